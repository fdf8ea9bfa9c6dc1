package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/hungrylabs/mealsync/recordstore"
	"github.com/hungrylabs/mealsync/replica"
)

const testUser = "user-1"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRemote is an in-memory stand-in for the remote record store. It
// enforces the unique constraint on local_id, speaks the same list/create/
// patch/delete surface (JSON and multipart), and can simulate outages and
// the photo-echo quirk.
type fakeRemote struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	seq     int
	records map[string]*fakeRecord // by server id
	byLocal map[string]string      // local_id -> server id

	offline       bool // respond 503 to everything
	rejectWrites  bool // respond 400 (plain validation) to create/patch
	omitPhotoEcho bool // drop photo from combined multipart responses
	beforeCreate  func(f *fakeRemote)

	listCalls, createCalls, patchCalls, deleteCalls int
}

type fakeRecord struct {
	id, localID, user, text, photo string
	calories, protein, carbs, fat  float64
	timestamp, updated             time.Time
}

func (r *fakeRecord) wire() map[string]any {
	return map[string]any{
		"id":        r.id,
		"local_id":  r.localID,
		"user":      r.user,
		"text":      r.text,
		"calories":  r.calories,
		"protein":   r.protein,
		"carbs":     r.carbs,
		"fat":       r.fat,
		"timestamp": recordstore.FormatTime(r.timestamp),
		"updated":   recordstore.FormatTime(r.updated),
		"photo":     r.photo,
	}
}

func newFakeRemote(t *testing.T) *fakeRemote {
	f := &fakeRemote{
		t:       t,
		records: make(map[string]*fakeRecord),
		byLocal: make(map[string]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

// seed inserts a record server-side, as if another client created it.
func (f *fakeRemote) seed(localID, text string, timestamp, updated time.Time) *fakeRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertLocked(map[string]any{
		"local_id":  localID,
		"user":      testUser,
		"text":      text,
		"timestamp": recordstore.FormatTime(timestamp),
		"updated":   recordstore.FormatTime(updated),
	})
}

func (f *fakeRemote) get(localID string) *fakeRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byLocal[localID]; ok {
		cp := *f.records[id]
		return &cp
	}
	return nil
}

func (f *fakeRemote) mutatingCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls + f.patchCalls + f.deleteCalls
}

func (f *fakeRemote) insertLocked(fields map[string]any) *fakeRecord {
	f.seq++
	rec := &fakeRecord{id: fmt.Sprintf("r%04d", f.seq)}
	applyFakeFields(f.t, rec, fields)
	f.records[rec.id] = rec
	f.byLocal[rec.localID] = rec.id
	return rec
}

func applyFakeFields(t *testing.T, rec *fakeRecord, fields map[string]any) {
	num := func(v any) float64 {
		switch x := v.(type) {
		case float64:
			return x
		case string:
			n, err := strconv.ParseFloat(x, 64)
			require.NoError(t, err)
			return n
		default:
			t.Fatalf("unexpected numeric field type %T", v)
			return 0
		}
	}
	for key, v := range fields {
		switch key {
		case "local_id":
			rec.localID = v.(string)
		case "user":
			rec.user = v.(string)
		case "text":
			rec.text = v.(string)
		case "calories":
			rec.calories = num(v)
		case "protein":
			rec.protein = num(v)
		case "carbs":
			rec.carbs = num(v)
		case "fat":
			rec.fat = num(v)
		case "timestamp":
			ts, err := recordstore.ParseTime(v.(string))
			require.NoError(t, err)
			rec.timestamp = ts
		case "updated":
			ts, err := recordstore.ParseTime(v.(string))
			require.NoError(t, err)
			rec.updated = ts
		}
	}
}

const recordsPath = "/api/collections/meal_entries/records"

func (f *fakeRemote) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.offline {
		http.Error(w, `{"message":"service unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	if !strings.HasPrefix(r.URL.Path, recordsPath) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, recordsPath)
	rest = strings.TrimPrefix(rest, "/")

	switch {
	case r.Method == http.MethodGet && rest == "":
		f.handleList(w, r)
	case r.Method == http.MethodPost && rest == "":
		f.handleCreate(w, r)
	case r.Method == http.MethodPatch && rest != "":
		f.handlePatch(w, r, rest)
	case r.Method == http.MethodDelete && rest != "":
		f.handleDelete(w, rest)
	default:
		http.NotFound(w, r)
	}
}

var (
	reFilterEq = regexp.MustCompile(`(\w+)='([^']*)'`)
	reFilterGt = regexp.MustCompile(`updated>'([^']*)'`)
)

func (f *fakeRemote) handleList(w http.ResponseWriter, r *http.Request) {
	f.listCalls++
	q := r.URL.Query()
	filter := q.Get("filter")

	eq := map[string]string{}
	for _, m := range reFilterEq.FindAllStringSubmatch(filter, -1) {
		eq[m[1]] = m[2]
	}
	var since time.Time
	if m := reFilterGt.FindStringSubmatch(filter); m != nil {
		ts, err := recordstore.ParseTime(m[1])
		require.NoError(f.t, err)
		since = ts
	}

	var matched []*fakeRecord
	for _, rec := range f.records {
		if v, ok := eq["local_id"]; ok && rec.localID != v {
			continue
		}
		if v, ok := eq["user"]; ok && rec.user != v {
			continue
		}
		if !since.IsZero() && !rec.updated.After(since) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("perPage"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 30
	}
	start := (page - 1) * perPage
	end := start + perPage
	if start > len(matched) {
		start = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}

	items := make([]map[string]any, 0, end-start)
	for _, rec := range matched[start:end] {
		items = append(items, rec.wire())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page": page, "perPage": perPage, "totalItems": len(matched), "items": items,
	})
}

// parseBody decodes a JSON or multipart request into a field map, and
// reports whether a photo file part was present (plus its stored key).
func (f *fakeRemote) parseBody(r *http.Request) (fields map[string]any, photo string, combined bool) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/") {
		require.NoError(f.t, r.ParseMultipartForm(16<<20))
		fields = map[string]any{}
		for key := range r.MultipartForm.Value {
			fields[key] = r.FormValue(key)
		}
		if file, header, err := r.FormFile("photo"); err == nil {
			file.Close()
			f.seq++
			photo = fmt.Sprintf("stored_%s_%d", header.Filename, f.seq)
		}
		return fields, photo, len(fields) > 0
	}
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&fields))
	return fields, "", false
}

func (f *fakeRemote) handleCreate(w http.ResponseWriter, r *http.Request) {
	f.createCalls++
	if f.rejectWrites {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code": 400, "message": "Failed to create record.",
			"data": map[string]any{"text": map[string]any{"code": "validation_required", "message": "Missing required value."}},
		})
		return
	}
	if f.beforeCreate != nil {
		hook := f.beforeCreate
		f.beforeCreate = nil
		hook(f)
	}

	fields, photo, combined := f.parseBody(r)
	localID, _ := fields["local_id"].(string)
	if _, exists := f.byLocal[localID]; exists {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code": 400, "message": "Failed to create record.",
			"data": map[string]any{"local_id": map[string]any{"code": "validation_not_unique", "message": "Value must be unique."}},
		})
		return
	}

	rec := f.insertLocked(fields)
	if photo != "" {
		rec.photo = photo
	}
	out := rec.wire()
	if photo != "" && combined && f.omitPhotoEcho {
		out["photo"] = ""
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeRemote) handlePatch(w http.ResponseWriter, r *http.Request, id string) {
	f.patchCalls++
	if f.rejectWrites {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code": 400, "message": "Failed to update record.",
			"data": map[string]any{"text": map[string]any{"code": "validation_required", "message": "Missing required value."}},
		})
		return
	}
	rec, ok := f.records[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": 404, "message": "The requested resource wasn't found."})
		return
	}

	fields, photo, combined := f.parseBody(r)
	applyFakeFields(f.t, rec, fields)
	if photo != "" {
		rec.photo = photo
	}
	out := rec.wire()
	if photo != "" && combined && f.omitPhotoEcho {
		out["photo"] = ""
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeRemote) handleDelete(w http.ResponseWriter, id string) {
	f.deleteCalls++
	rec, ok := f.records[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": 404, "message": "The requested resource wasn't found."})
		return
	}
	delete(f.byLocal, rec.localID)
	delete(f.records, id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newTestEngine wires an engine against a fresh in-memory replica and a
// fake remote.
func newTestEngine(t *testing.T) (*Engine, *replica.Store, *fakeRemote) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// One connection so the pool cannot hand out a second, empty :memory: DB.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := replica.Open(db, testLogger())
	require.NoError(t, err)

	fake := newFakeRemote(t)
	remote := recordstore.NewClient(fake.srv.URL, "meal_entries",
		func(ctx context.Context) (string, error) { return "test-token", nil }, testLogger())

	engine, err := New(store, remote, testUser, DefaultConfig(t.TempDir()), testLogger())
	require.NoError(t, err)
	return engine, store, fake
}

// addLocal creates a dirty local record and returns its current state.
func addLocal(t *testing.T, store *replica.Store, text string, eatenAt time.Time) replica.Record {
	rec := replica.NewRecord(text, eatenAt)
	require.NoError(t, store.Add(rec))
	got, ok := store.Get(rec.LocalID)
	require.True(t, ok)
	return got
}
