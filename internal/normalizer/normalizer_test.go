package normalizer

import (
	"io"
	"log/slog"
	"testing"

	"github.com/revbackhq/revback/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStripeNormalizer(testLogger()))

	n, err := r.Get(models.SourceStripe)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if n.Source() != models.SourceStripe {
		t.Errorf("Source() = %v, want %v", n.Source(), models.SourceStripe)
	}

	if _, err := r.Get(models.SourceApple); err == nil {
		t.Error("Get() expected error for unregistered source")
	}
}

func TestDefaultRegistryCoversAllSources(t *testing.T) {
	r := NewDefaultRegistry(testLogger())

	want := []models.Source{models.SourceStripe, models.SourceApple, models.SourceGoogle, models.SourceRecurly}
	for _, source := range want {
		if _, err := r.Get(source); err != nil {
			t.Errorf("Get(%q) error = %v", source, err)
		}
	}
	if got := len(r.Sources()); got != len(want) {
		t.Errorf("Sources() returned %d sources, want %d", got, len(want))
	}
}

func TestParseCredentials(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Credentials
		wantErr bool
	}{
		{"empty", "", Credentials{}, false},
		{"webhook secret", `{"webhook_secret":"whsec_abc"}`, Credentials{WebhookSecret: "whsec_abc"}, false},
		{"all fields", `{"webhook_secret":"s","root_ca_pem":"pem","push_token":"tok"}`,
			Credentials{WebhookSecret: "s", RootCAPEM: "pem", PushToken: "tok"}, false},
		{"invalid json", `{not json`, Credentials{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCredentials(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseCredentials() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
