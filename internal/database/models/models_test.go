package models

import "testing"

func TestTableNames(t *testing.T) {
	tests := []struct {
		name      string
		model     interface{ TableName() string }
		tableName string
	}{
		{"Setting", Setting{}, "settings"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.model.TableName(); got != tt.tableName {
				t.Errorf("%s.TableName() = %q, want %q", tt.name, got, tt.tableName)
			}
		})
	}
}

func TestAll(t *testing.T) {
	all := All()
	if len(all) != 1 {
		t.Fatalf("All() returned %d models, want 1", len(all))
	}
	if _, ok := all[0].(*Setting); !ok {
		t.Errorf("All()[0] = %T, want *Setting", all[0])
	}
}
