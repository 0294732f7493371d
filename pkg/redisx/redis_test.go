package redisx

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNew(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := New(context.Background(), Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatal(err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Errorf("expected v, got %q", got)
	}
}

func TestNewBadURL(t *testing.T) {
	if _, err := New(context.Background(), Config{URL: "http://nope"}); err == nil {
		t.Error("expected error for non-redis scheme")
	}
}
