package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/supabase-community/supabase-go"
)

type uploadFunc func(bucket, key string, data io.Reader) error

// SupabaseArchiver stores each decision as a JSON object in a Supabase
// storage bucket, keyed by date and call id.
type SupabaseArchiver struct {
	bucket string
	upload uploadFunc
}

func NewSupabaseArchiver(url, serviceRoleKey, bucket string) (*SupabaseArchiver, error) {
	client, err := supabase.NewClient(strings.TrimSpace(url), strings.TrimSpace(serviceRoleKey), &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseArchiver{
		bucket: bucket,
		upload: func(bucket, key string, data io.Reader) error {
			_, err := client.Storage.UploadFile(bucket, key, data)
			return err
		},
	}, nil
}

func (a *SupabaseArchiver) Notify(ctx context.Context, ev Event) error {
	body, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return err
	}
	key := ObjectKey(ev)

	// The storage client takes no context; bound the wait here instead.
	done := make(chan error, 1)
	go func() { done <- a.upload(a.bucket, key, bytes.NewReader(body)) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("upload %s to supabase: %w", key, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("upload %s to supabase: %w", key, ctx.Err())
	}
}

// ObjectKey returns the bucket path for an event: decisions/YYYY/MM/DD/<call>.json.
func ObjectKey(ev Event) string {
	return fmt.Sprintf("decisions/%s/%s.json", ev.DecidedAt.UTC().Format("2006/01/02"), ev.CallID)
}
