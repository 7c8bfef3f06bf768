package client

import (
	"net"
	"testing"
)

func TestParseDSCP(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"empty disables", "", 0, false},
		{"EF", "EF", 46, false},
		{"lowercase", "af21", 18, false},
		{"whitespace", "  AF41  ", 34, false},
		{"class selector zero", "CS0", 0, false},
		{"CS6", "CS6", 48, false},
		{"unknown", "AF99", 0, true},
		{"garbage", "not-a-dscp", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDSCP(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDSCP(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDSCP(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestApplyDSCPZeroIsNoop(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	if err := ApplyDSCP(client, 0); err != nil {
		t.Errorf("ApplyDSCP(0) = %v", err)
	}
}

func TestApplyDSCPRejectsNonTCP(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	if err := ApplyDSCP(client, 46); err == nil {
		t.Error("expected error for non-TCP conn")
	}
}
