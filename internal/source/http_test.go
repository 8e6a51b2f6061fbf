package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/m-lab/go/testingx"
)

const testReply = `{
  "handler": "candela.lanforge.HttpEndp",
  "uri": "endp",
  "endpoint": [
    {"cx-sta0-A": {"name": "cx-sta0-A", "rx bytes": 1000, "rx drop %": 0.5}},
    {"cx-sta0-B": {"name": "cx-sta0-B", "rx bytes": 2000, "rx drop %": 0}},
    {"mtx-eth1": {"name": "mtx-eth1", "rx bytes": 0, "rx drop %": 0}}
  ]
}`

func TestHTTP_Snapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/endp" || req.URL.Query().Get("fields") != "name,rx bytes,rx drop %" {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		rw.Write([]byte(testReply))
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL+"/", srv.Client())
	snap, err := h.Snapshot(context.Background(), []string{"cx-sta0-A", "cx-sta0-B"})
	testingx.Must(t, err, "Snapshot failed")
	want := map[string]int64{"cx-sta0-A": 1000, "cx-sta0-B": 2000}
	if !reflect.DeepEqual(snap.Counters, want) {
		t.Errorf("Snapshot() counters = %v, want %v", snap.Counters, want)
	}
	if snap.DropPercent["cx-sta0-A"] != 0.5 {
		t.Errorf("Snapshot() drop = %v", snap.DropPercent)
	}

	_, err = h.Snapshot(context.Background(), []string{"cx-sta0-A", "cx-sta1-A"})
	if !errors.Is(err, ErrMissingEndpoint) {
		t.Errorf("Snapshot() error = %v, want %v", err, ErrMissingEndpoint)
	}
}

func TestHTTP_SnapshotErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{
			name:   "not-found",
			status: http.StatusNotFound,
			target: ErrBadStatus,
		},
		{
			name:   "invalid-json",
			status: http.StatusOK,
			body:   "{",
		},
		{
			name:   "server-error",
			status: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
				rw.WriteHeader(tt.status)
				rw.Write([]byte(tt.body))
			}))
			defer srv.Close()
			h := NewHTTP(srv.URL, srv.Client())
			h.SetRetryMax(0)
			_, err := h.Snapshot(context.Background(), []string{"a"})
			if err == nil {
				t.Fatalf("Snapshot() expected error, got nil")
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("Snapshot() error = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestParseEndpoints(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "single",
			body: `{"endpoint": {"name": "a", "rx bytes": 10}}`,
			want: []string{"a"},
		},
		{
			name: "none",
			body: `{"uri": "endp"}`,
			want: []string{},
		},
		{
			name: "list",
			body: testReply,
			want: []string{"cx-sta0-A", "cx-sta0-B", "mtx-eth1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEndpoints([]byte(tt.body))
			testingx.Must(t, err, "parseEndpoints failed")
			if len(got) != len(tt.want) {
				t.Fatalf("parseEndpoints() = %v, want %v", got, tt.want)
			}
			for _, name := range tt.want {
				if _, ok := got[name]; !ok {
					t.Errorf("parseEndpoints() missing %s", name)
				}
			}
		})
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		id      string
		want    *resetPortRequest
		wantErr bool
	}{
		{id: "sta0", want: &resetPortRequest{Shelf: 1, Resource: 1, Port: "sta0"}},
		{id: "2.sta0", want: &resetPortRequest{Shelf: 1, Resource: 2, Port: "sta0"}},
		{id: "1.3.wlan0", want: &resetPortRequest{Shelf: 1, Resource: 3, Port: "wlan0"}},
		{id: "x.sta0", wantErr: true},
		{id: "1.x.sta0", wantErr: true},
		{id: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := parsePort(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePort() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parsePort() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHTTP_Disrupt(t *testing.T) {
	var got resetPortRequest
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost || req.URL.Path != "/cli-json/reset_port" {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(req.Body)
		testingx.Must(t, err, "cannot read request body")
		testingx.Must(t, json.Unmarshal(body, &got), "cannot unmarshal request")
		rw.Write([]byte(`{"LAST":{"response":"OK"}}`))
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, srv.Client())
	testingx.Must(t, h.Disrupt(context.Background(), "1.2.sta7"), "Disrupt failed")
	want := resetPortRequest{Shelf: 1, Resource: 2, Port: "sta7"}
	if got != want {
		t.Errorf("Disrupt() sent %+v, want %+v", got, want)
	}
	if err := h.Disrupt(context.Background(), "a.b.c"); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("Disrupt() error = %v, want %v", err, ErrInvalidPort)
	}
}
