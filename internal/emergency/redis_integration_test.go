//go:build redis_integration

package emergency

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestRedisTTLRoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()
	s := NewRedisTTL(rdb)
	ctx := context.Background()
	key := "test:" + time.Now().Format(time.RFC3339Nano)
	defer s.Del(ctx, key)

	ok, err := s.SetNX(ctx, key, []byte("v"), 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("SetNX = %v, %v", ok, err)
	}
	if ok, _ := s.SetNX(ctx, key, []byte("w"), 5*time.Second); ok {
		t.Fatal("second SetNX succeeded")
	}
	v, left, err := s.Get(ctx, key)
	if err != nil || string(v) != "v" || left <= 0 || left > 5*time.Second {
		t.Fatalf("Get = %q, %v, %v", v, left, err)
	}
	if err := s.Del(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, key); !errors.Is(err, ErrMissing) {
		t.Fatalf("after Del err = %v", err)
	}
}
