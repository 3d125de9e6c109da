package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "marketchat/contracts/chat/v1"
)

func TestFetchHistory(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/conversations/conv1/messages" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "200" {
			t.Errorf("limit=%s want=200 (clamped)", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization=%q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[
			{"id":"m1","conversation_id":"conv1","sender_id":"u2","content":"hey","created_at":"2026-08-30T10:00:00Z"},
			{"id":"m2","conversation_id":"conv1","sender_id":"u1","content":"hi","created_at":"2026-08-30T10:00:05Z"}
		]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/api/", "tok-1", srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	msgs, err := c.FetchHistory(context.Background(), "conv1", 1000)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("messages=%+v want m1,m2", msgs)
	}
	want := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	if !msgs[0].CreatedAt.Equal(want) {
		t.Fatalf("created_at=%s want=%s", msgs[0].CreatedAt, want)
	}
}

func TestFetchHistoryErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := c.FetchHistory(context.Background(), "", 10); err == nil {
		t.Fatalf("empty conversation id accepted")
	}
	if _, err := c.FetchHistory(context.Background(), "conv1", 10); err == nil {
		t.Fatalf("5xx status not surfaced")
	}
}

func TestUpload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/media" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("kind"); got != v1.MediaImage {
			t.Errorf("kind=%q want=image", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			_ = file.Close()
			if header.Filename != "listing.png" {
				t.Errorf("filename=%q", header.Filename)
			}
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"url":"https://cdn.test/listing.png"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "tok-1", srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	media, err := c.Upload(context.Background(), "listing.png", v1.MediaImage, strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if media.URL != "https://cdn.test/listing.png" || media.Kind != v1.MediaImage {
		t.Fatalf("media=%+v", media)
	}
}

func TestUploadRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	c, err := NewClient("http://unused.test", "", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Upload(context.Background(), "a.gif", "gif", strings.NewReader("x")); err == nil {
		t.Fatalf("unknown media kind accepted")
	}
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewClient("   ", "", nil); err == nil {
		t.Fatalf("blank base url accepted")
	}
}
