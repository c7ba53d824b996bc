package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func fastPolicy(retries uint64) RetryPolicy {
	return RetryPolicy{
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"wrapped deadlock", fmt.Errorf("cast vote: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"deadline", context.DeadlineExceeded, false},
		{"refused", errors.New("dial tcp: connection refused"), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Fatalf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestOperationRetriesTransientErrors(t *testing.T) {
	attempts := 0
	got, err := Operation(context.Background(), fastPolicy(3), func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, &pgconn.PgError{Code: "40001"}
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Operation: %v", err)
	}
	if got != 42 || attempts != 3 {
		t.Fatalf("got %d after %d attempts, want 42 after 3", got, attempts)
	}
}

func TestOperationStopsOnPermanentError(t *testing.T) {
	attempts := 0
	sentinel := errors.New("constraint")
	_, err := Operation(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		attempts++
		return 0, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("error = %v, want sentinel", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestOperationGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	_, err := Operation(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		attempts++
		return 0, &pgconn.PgError{Code: "08006"}
	})
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "08006" {
		t.Fatalf("error = %v, want wrapped PgError 08006", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
