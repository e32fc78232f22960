package linelist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lox/sensorcast/internal/models"
)

func TestRead(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []models.Event
		wantErr bool
	}{
		{
			name:  "no header",
			input: "20210101,20210103\n20210102,20210102\n",
			want:  []models.Event{{EventDate: 20210101, ReportDate: 20210103}, {EventDate: 20210102, ReportDate: 20210102}},
		},
		{
			name:  "header with reordered and extra columns",
			input: "id,report_date,event_date\n7,2021-01-05,2021-01-01\n",
			want:  []models.Event{{EventDate: 20210101, ReportDate: 20210105}},
		},
		{
			name:  "blank lines skipped",
			input: "event_date,report_date\n\n20210101,20210101\n",
			want:  []models.Event{{EventDate: 20210101, ReportDate: 20210101}},
		},
		{
			name:    "header missing column",
			input:   "event_date,other\n20210101,20210101\n",
			wantErr: true,
		},
		{
			name:    "bad date",
			input:   "20210101,2021-13-01\n",
			wantErr: true,
		},
		{
			name:    "short row",
			input:   "20210101,20210102\n20210101\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Read(strings.NewReader(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linelist.csv")
	if err := os.WriteFile(path, []byte("event_date,report_date\n20210101,20210104\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 1 || got[0].ReportDate != 20210104 {
		t.Errorf("unexpected events %+v", got)
	}
}
