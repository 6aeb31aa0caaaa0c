package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Params are the extraction parameters that shape a workflow run. They
// participate in the idempotency key: change a parameter and the request
// is a new logical extraction.
type Params struct {
	Model          string   `json:"model,omitempty"`
	Temperature    float64  `json:"temperature,omitempty"`
	MaxChunkTokens int      `json:"max_chunk_tokens,omitempty"`
	EntityTypes    []string `json:"entity_types,omitempty"`
}

// Request describes one extraction. Created at request time and never
// mutated; owned exclusively by the router call that issues it.
type Request struct {
	Text            string `json:"text"`
	OntologyID      string `json:"ontology_id"`
	OntologyVersion string `json:"ontology_version"`
	Params          Params `json:"params"`
}

// IdempotencyKey computes the deterministic hash of a request. Identical
// inputs always yield the identical key; it is the shard key and the
// cache key.
func IdempotencyKey(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Text))
	h.Write([]byte{0})
	h.Write([]byte(req.OntologyID))
	h.Write([]byte{0})
	h.Write([]byte(req.OntologyVersion))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%s|%.6f|%d|%s",
		req.Params.Model,
		req.Params.Temperature,
		req.Params.MaxChunkTokens,
		strings.Join(req.Params.EntityTypes, ","),
	)
	return hex.EncodeToString(h.Sum(nil))
}
