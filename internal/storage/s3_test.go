package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/vidfriends/accessgate/internal/config"
)

func TestNewS3StorageRequiresBucket(t *testing.T) {
	_, err := NewS3Storage(context.Background(), config.ObjectStoreConfig{Region: "us-east-1"})
	if err == nil || !strings.Contains(err.Error(), "bucket is required") {
		t.Fatalf("expected bucket error, got %v", err)
	}
}

func TestSaveRejectsEmptyKey(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	s, err := NewS3Storage(context.Background(), config.ObjectStoreConfig{
		Bucket:   "exports",
		Region:   "us-east-1",
		Endpoint: "http://127.0.0.1:9000",
	})
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	if _, err := s.Save(context.Background(), "/", strings.NewReader("x")); err == nil {
		t.Fatal("expected empty key error")
	}
}
