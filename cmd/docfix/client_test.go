package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func withServer(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	prev := serverURL
	serverURL = srv.URL
	t.Cleanup(func() { serverURL = prev })
}

func TestCallDecodesResponse(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/abc/pages" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"total": 3, "selected": []string{body["selection"]}})
	})

	var out struct {
		Total    int      `json:"total"`
		Selected []string `json:"selected"`
	}
	if err := call(http.MethodPost, "/api/sessions/abc/pages", map[string]string{"selection": "2"}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Total != 3 || len(out.Selected) != 1 || out.Selected[0] != "2" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestCallSurfacesServerError(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"session is busy"}`))
	})

	err := call(http.MethodPost, "/api/sessions/abc/pages", map[string]string{"selection": "1"}, nil)
	if err == nil || !strings.Contains(err.Error(), "session is busy") || !strings.Contains(err.Error(), "409") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReadEventsStopsAfterReplay(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("id: 1\nevent: status\ndata: {\"id\":1,\"type\":\"status\",\"data\":\"Session created\"}\n\n: replayed\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	var got []string
	err := readEvents("abc", func(ev sseEvent) bool {
		got = append(got, ev.Data)
		return false
	}, true)
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	if len(got) != 1 || got[0] != "Session created" {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestResumeReportsBusySession(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/abc/resume" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"session is busy: a run or feedback is in progress"}`))
	})

	err := runResume(resumeCmd, []string{"abc"})
	if err == nil || !strings.Contains(err.Error(), "in progress") {
		t.Fatalf("unexpected error: %v", err)
	}
}
