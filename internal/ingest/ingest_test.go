package ingest_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"incidentline/internal/domain"
	"incidentline/internal/ingest"
)

func TestParseCSVPreservesOrder(t *testing.T) {
	input := `timestamp,service,level,message,host
2024-05-01T10:05:00Z,inventory-service,FATAL,OutOfMemoryError,node-1
2024-05-01T10:01:00Z,api-gateway,info,request served,node-2
2024-05-01 10:03:00,auth-service,warning,slow token refresh,node-3
`
	entries, err := ingest.ParseCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	wantServices := []string{"inventory-service", "api-gateway", "auth-service"}
	for i, svc := range wantServices {
		if entries[i].Service != svc {
			t.Fatalf("entry %d: expected %s, got %s", i, svc, entries[i].Service)
		}
	}
	if entries[1].Level != domain.LevelInfo || entries[2].Level != domain.LevelWarn {
		t.Fatalf("unexpected levels: %s %s", entries[1].Level, entries[2].Level)
	}
	want := time.Date(2024, 5, 1, 10, 3, 0, 0, time.UTC)
	if !entries[2].Timestamp.Equal(want) {
		t.Fatalf("expected zoneless timestamp read as UTC, got %s", entries[2].Timestamp)
	}
}

func TestParseCSVValidationErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
		row   int
		field string
	}{
		{
			name:  "missing column",
			input: "timestamp,service,message\n2024-05-01T10:00:00Z,a,b\n",
			row:   ingest.HeaderRow,
			field: ingest.FieldLevel,
		},
		{
			name:  "bad timestamp",
			input: "timestamp,service,level,message\n2024-05-01T10:00:00Z,a,INFO,ok\nyesterday,a,INFO,bad\n",
			row:   1,
			field: ingest.FieldTimestamp,
		},
		{
			name:  "bad level",
			input: "timestamp,service,level,message\n2024-05-01T10:00:00Z,a,LOUD,x\n",
			row:   0,
			field: ingest.FieldLevel,
		},
		{
			name:  "short record",
			input: "timestamp,service,level,message\n2024-05-01T10:00:00Z,a,INFO\n",
			row:   0,
			field: ingest.FieldMessage,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingest.ParseCSV(strings.NewReader(tc.input))
			var ve *ingest.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Row != tc.row || ve.Field != tc.field {
				t.Fatalf("expected row %d field %s, got row %d field %s", tc.row, tc.field, ve.Row, ve.Field)
			}
		})
	}
}

func TestParseJSONLines(t *testing.T) {
	input := `{"timestamp":"2024-05-01T10:00:00Z","service":"payment-service","level":"ERROR","message":"declined","extra":42}

{"timestamp":"2024-05-01T09:00:00Z","service":"payment-service","level":"FATAL","message":"panic"}
`
	entries, err := ingest.ParseJSONLines(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 2 || entries[0].Message != "declined" || entries[1].Level != domain.LevelFatal {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
