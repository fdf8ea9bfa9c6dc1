// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"
)

// TokenFunc supplies the bearer token attached to every request.
type TokenFunc func(ctx context.Context) (string, error)

// Client talks to one collection of the remote record store.
type Client struct {
	BaseURL    string
	Collection string
	Token      TokenFunc
	HTTP       *http.Client

	logger *slog.Logger
}

// NewClient creates a client for the given collection.
func NewClient(baseURL, collection string, token TokenFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:    baseURL,
		Collection: collection,
		Token:      token,
		HTTP:       &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

func (c *Client) recordsURL() string {
	return fmt.Sprintf("%s/api/collections/%s/records", c.BaseURL, c.Collection)
}

// List fetches one page of records matching filter. Records with
// unparseable dates are rejected (dropped and logged), never guessed at.
func (c *Client) List(ctx context.Context, filter string, page, perPage int) (*ListPage, error) {
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}
	q.Set("page", fmt.Sprint(page))
	q.Set("perPage", fmt.Sprint(perPage))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recordsURL()+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create list request: %w", err)
	}
	var lr listResponse
	if err := c.do(req, &lr); err != nil {
		return nil, err
	}

	result := &ListPage{Page: lr.Page, PerPage: lr.PerPage, TotalItems: lr.TotalItems}
	for i := range lr.Items {
		rec, err := lr.Items[i].toRecord()
		if err != nil {
			c.logger.Warn("rejecting record with bad date fields",
				"collection", c.Collection, "id", lr.Items[i].ID, "error", err)
			result.Rejected++
			continue
		}
		result.Records = append(result.Records, rec)
	}
	return result, nil
}

// ListAll pages through every record matching filter.
func (c *Client) ListAll(ctx context.Context, filter string, perPage int) ([]Record, error) {
	if perPage <= 0 {
		perPage = 200
	}
	var all []Record
	for page := 1; ; page++ {
		lp, err := c.List(ctx, filter, page, perPage)
		if err != nil {
			return nil, err
		}
		all = append(all, lp.Records...)
		if len(lp.Records)+lp.Rejected < perPage {
			return all, nil
		}
	}
}

// FindByLocalID looks up the record with the given client identifier,
// scoped to the owning user. Returns ErrNotFound when the record genuinely
// does not exist remotely; that is a valid outcome, not a failure.
func (c *Client) FindByLocalID(ctx context.Context, localID, userID string) (*Record, error) {
	filter := EqFilter("local_id", localID, "user", userID)
	lp, err := c.List(ctx, filter, 1, 1)
	if err != nil {
		return nil, err
	}
	if len(lp.Records) == 0 {
		return nil, fmt.Errorf("local_id %s: %w", localID, ErrNotFound)
	}
	return &lp.Records[0], nil
}

// Create creates a record and returns the server's representation,
// including the assigned identifier.
func (c *Client) Create(ctx context.Context, fields map[string]any) (*Record, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal create body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.recordsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRecord(req)
}

// Update patches the record with the given server identifier.
func (c *Client) Update(ctx context.Context, remoteID string, fields map[string]any) (*Record, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal update body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.recordsURL()+"/"+url.PathEscape(remoteID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create PATCH request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRecord(req)
}

// Delete removes the record with the given server identifier. A 404 comes
// back as ErrNotFound; callers treat it as an already-deleted success.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.recordsURL()+"/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return fmt.Errorf("failed to create DELETE request: %w", err)
	}
	return c.do(req, nil)
}

// CreateMultipart creates a record with a combined multipart body: ordinary
// fields as form values plus one file part.
func (c *Client) CreateMultipart(ctx context.Context, fields map[string]any, fileField, filename string, blob []byte) (*Record, error) {
	body, contentType, err := encodeMultipart(fields, fileField, filename, blob)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.recordsURL(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart POST request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.doRecord(req)
}

// UpdateMultipart patches a record with a combined multipart body. fields
// may be nil for an attachment-only patch.
func (c *Client) UpdateMultipart(ctx context.Context, remoteID string, fields map[string]any, fileField, filename string, blob []byte) (*Record, error) {
	body, contentType, err := encodeMultipart(fields, fileField, filename, blob)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.recordsURL()+"/"+url.PathEscape(remoteID), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart PATCH request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.doRecord(req)
}

// encodeMultipart renders form fields plus a named file part.
func encodeMultipart(fields map[string]any, fileField, filename string, blob []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := w.WriteField(key, fmt.Sprint(value)); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", key, err)
		}
	}
	part, err := w.CreateFormFile(fileField, filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(blob); err != nil {
		return nil, "", fmt.Errorf("failed to write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// doRecord executes a request whose success response is a single record.
func (c *Client) doRecord(req *http.Request) (*Record, error) {
	var w wireRecord
	if err := c.do(req, &w); err != nil {
		return nil, err
	}
	rec, err := w.toRecord()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// do attaches the bearer token, executes the request, classifies non-2xx
// responses, and decodes the body into out when out is non-nil.
func (c *Client) do(req *http.Request, out any) error {
	token, err := c.Token(req.Context())
	if err != nil {
		return fmt.Errorf("failed to obtain auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
