package ai

import "testing"

type extractionPayload struct {
	Entities []struct {
		Mention string `json:"mention"`
	} `json:"entities"`
}

func TestUnmarshalFlexible(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"standard json", `{"entities": [{"mention": "Apple"}]}`},
		{"fenced json", "```json\n{\"entities\": [{\"mention\": \"Apple\"}]}\n```"},
		{"fenced without tag", "```\n{\"entities\": [{\"mention\": \"Apple\"}]}\n```"},
		{"double encoded", `"{\"entities\": [{\"mention\": \"Apple\"}]}"`},
		{"unquoted keys", `{entities: [{mention: "Apple"}]}`},
		{"trailing comma", `{"entities": [{"mention": "Apple"},]}`},
		{"duplicate leading brace", `{{"entities": [{"mention": "Apple"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out extractionPayload
			if err := UnmarshalFlexible(tt.input, &out); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if len(out.Entities) != 1 || out.Entities[0].Mention != "Apple" {
				t.Errorf("parsed = %+v, want one Apple entity", out)
			}
		})
	}
}

func TestUnmarshalFlexibleRejectsGarbage(t *testing.T) {
	var out extractionPayload
	if err := UnmarshalFlexible("not even close to json", &out); err == nil {
		t.Error("expected error for unparseable input")
	}
}

func TestGenerateSchema(t *testing.T) {
	schema := GenerateSchema(&extractionPayload{})
	if schema == nil {
		t.Fatal("GenerateSchema() returned nil")
	}
}
