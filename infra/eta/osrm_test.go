package eta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openhail/dispatch/core/geo"
)

func TestOSRMClientETA(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":123.4}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL, time.Second)
	d, err := c.ETA(context.Background(), geo.Point{Lat: 48.85, Lon: 2.35}, geo.Point{Lat: 48.86, Lon: 2.36})
	if err != nil {
		t.Fatalf("eta: %v", err)
	}
	want := time.Duration(123.4 * float64(time.Second))
	if d != want {
		t.Fatalf("expected %v, got %v", want, d)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL, time.Second)
	if _, err := c.ETA(context.Background(), geo.Point{}, geo.Point{}); err == nil {
		t.Fatal("expected error for NoRoute")
	}
}
