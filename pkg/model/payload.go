package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ContentType enumerates the payload body kinds.
type ContentType string

const (
	ContentTypeJSON     ContentType = "json"
	ContentTypeText     ContentType = "text"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeHTML     ContentType = "html"
	ContentTypeComment  ContentType = "comment"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeVideo    ContentType = "video"
	ContentTypePDF      ContentType = "pdf"
	ContentTypeCSV      ContentType = "csv"
	ContentTypeParquet  ContentType = "parquet"
	ContentTypeJSONL    ContentType = "jsonl"
	ContentTypeSQLite   ContentType = "sqlite"
	ContentTypeDuckDB   ContentType = "duckdb"
	ContentTypeAPK      ContentType = "apk"
)

// Inline reports whether the payload body is stored inside the meta document
// rather than as a separate blob.
func (c ContentType) Inline() bool {
	switch c {
	case ContentTypeJSON, ContentTypeText, ContentTypeMarkdown, ContentTypeHTML, ContentTypeComment:
		return true
	}
	return false
}

// Payload carries the entry's body: structured data inline for small types,
// or a blob reference for binary types.
type Payload struct {
	ContentType     ContentType     `json:"content_type"`
	SchemaShortname string          `json:"schema_shortname,omitempty"`
	Body            json.RawMessage `json:"body,omitempty"`
	Checksum        string          `json:"checksum,omitempty"`
	ClientChecksum  string          `json:"client_checksum,omitempty"`
}

// BlobName returns the referenced blob filename for non-inline payloads.
func (p *Payload) BlobName() string {
	if p == nil || p.ContentType.Inline() {
		return ""
	}
	var name string
	if err := json.Unmarshal(p.Body, &name); err != nil {
		return ""
	}
	return name
}

// SetBlobName points a non-inline payload at the given blob filename.
func (p *Payload) SetBlobName(name string) {
	data, _ := json.Marshal(name)
	p.Body = data
}

// BodyMap decodes an inline JSON body into a generic map.
func (p *Payload) BodyMap() (JSON, error) {
	doc := JSON{}
	if p == nil || len(p.Body) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(p.Body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ChecksumOf hashes raw content the same way on upload and verification.
func ChecksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// VerifyClientChecksum compares a caller-supplied hash to the content hash.
// An empty client checksum passes; verification is opt-in.
func (p *Payload) VerifyClientChecksum(content []byte) bool {
	if p == nil || p.ClientChecksum == "" {
		return true
	}
	return p.ClientChecksum == ChecksumOf(content)
}
