package svcctx

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestServicesRoundTrip(t *testing.T) {
	if got := ServicesFrom(context.Background()); got != nil {
		t.Fatalf("bare context should carry no services, got %+v", got)
	}

	services := &Services{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ctx := WithServices(context.Background(), services)
	if got := ServicesFrom(ctx); got != services {
		t.Errorf("expected the same services pointer back, got %+v", got)
	}
}
