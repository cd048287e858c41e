package kv

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
)

const testBucket = "crportal"

// fakeS3 answers the handful of S3 calls ObjectStore makes, with objects
// seeded directly. Keys listed in denied answer 403 AccessDenied.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	denied  map[string]bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"+testBucket), "/")
	switch {
	case name == "" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case name == "" && r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		f.list(w, r.URL.Query().Get("prefix"))
	case f.denied[name]:
		writeS3Error(w, http.StatusForbidden, "AccessDenied", name)
	case r.Method == http.MethodGet:
		value, ok := f.objects[name]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey", name)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", fmt.Sprint(len(value)))
		w.Header().Set("ETag", `"etag"`)
		w.Header().Set("Last-Modified", "Mon, 15 Apr 2024 09:30:00 GMT")
		_, _ = w.Write([]byte(value))
	case r.Method == http.MethodDelete:
		if _, ok := f.objects[name]; !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey", name)
			return
		}
		delete(f.objects, name)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeS3Error(w, http.StatusNotImplemented, "NotImplemented", name)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	type content struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	}
	result := struct {
		XMLName     xml.Name  `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
		Name        string    `xml:"Name"`
		Prefix      string    `xml:"Prefix"`
		KeyCount    int       `xml:"KeyCount"`
		MaxKeys     int       `xml:"MaxKeys"`
		IsTruncated bool      `xml:"IsTruncated"`
		Contents    []content `xml:"Contents"`
	}{Name: testBucket, Prefix: prefix, MaxKeys: 1000}
	// deliberately unsorted; the store sorts
	for key, value := range f.objects {
		if strings.HasPrefix(key, prefix) {
			result.Contents = append(result.Contents, content{Key: key, Size: len(value)})
		}
	}
	result.KeyCount = len(result.Contents)
	w.Header().Set("Content-Type", "application/xml")
	_ = xml.NewEncoder(w).Encode(result)
}

func writeS3Error(w http.ResponseWriter, status int, code, key string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>`+
		`<Error><Code>%s</Code><Message>%s</Message><Key>%s</Key><BucketName>%s</BucketName><RequestId>1</RequestId></Error>`,
		code, code, key, testBucket)
}

func newTestObjectStore(t *testing.T, fake *fakeS3) *ObjectStore {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	endpoint, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	store, err := NewObjectStore(context.Background(), ObjectConfig{
		Endpoint:  endpoint.Host,
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    testBucket,
		Prefix:    "kv/",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("NewObjectStore: %v", err)
	}
	return store
}

func TestObjectStoreNotFoundIsDistinctFromFaults(t *testing.T) {
	fake := &fakeS3{
		objects: map[string]string{
			"kv/cr:CR-1":    `{"id":"CR-1"}`,
			"kv/cr:CR-2":    `{"id":"CR-2"}`,
			"kv/user:a@b.c": `{"email":"a@b.c"}`,
		},
		denied: map[string]bool{"kv/cr:locked": true},
	}
	store := newTestObjectStore(t, fake)
	ctx := context.Background()

	got, err := store.Get(ctx, "cr:CR-1")
	if err != nil || got != `{"id":"CR-1"}` {
		t.Fatalf("Get(cr:CR-1) = %q, %v", got, err)
	}

	if _, err := store.Get(ctx, "cr:missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	_, err = store.Get(ctx, "cr:locked")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(denied) error = %v, want a non-NotFound fault", err)
	}
	if !strings.Contains(err.Error(), "cr:locked") {
		t.Errorf("fault should name the key: %v", err)
	}
	if _, found := Lookup(ctx, store, "cr:locked"); found {
		t.Error("Lookup must report a fault as absent")
	}

	if err := store.Delete(ctx, "cr:missing"); err != nil {
		t.Fatalf("Delete(missing) = %v, want nil", err)
	}
	if err := store.Delete(ctx, "cr:CR-2"); err != nil {
		t.Fatalf("Delete(cr:CR-2) = %v", err)
	}

	keys, err := store.List(ctx, "cr:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"cr:CR-1"}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("List(cr:) = %v, want %v", keys, want)
	}

	keys, err = store.List(ctx, "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if !sort.StringsAreSorted(keys) || len(keys) != 2 {
		t.Fatalf("List() = %v, want two sorted keys", keys)
	}

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
