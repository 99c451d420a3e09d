/*
Copyright 2025 The Imageshelf Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/imageshelf/imageshelf/pkg/collection"
)

// Message type tags. Except for the library scan, a message's routing
// key equals its type tag.
const (
	TypeScanCollection    = "collection.scan"
	TypeScanLibrary       = "library.scan"
	TypeProcessImage      = "image.processing"
	TypeGenerateThumbnail = "thumbnail.generation"
	TypeGenerateCache     = "cache.generation"
	TypeCreateCollection  = "collection.creation"
	TypeBulkOperation     = "bulk.operation"
	TypeFailure           = "processing.failure"

	// KeyLibraryScan is the library scan routing key, kept for
	// compatibility with deployments that bound it before the dotted
	// key convention.
	KeyLibraryScan = "library_scan_queue"
)

// ErrUnknownMessageType is returned by Unmarshal for a type tag no
// payload is registered for; consumers dead-letter such messages.
var ErrUnknownMessageType = errors.New("bus: unknown message type")

// Envelope is the header every message carries, flattened into the
// same JSON object as the payload fields.
type Envelope struct {
	ID            string    `json:"id"`
	MessageType   string    `json:"messageType"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

func (e *Envelope) envelope() *Envelope { return e }

// Message is any payload carrying the common envelope.
type Message interface {
	MessageType() string
	envelope() *Envelope
}

// ScanCollection asks the orchestrator to scan one collection,
// addressed by id or, for collections not yet registered, by path.
type ScanCollection struct {
	Envelope
	CollectionID      string `json:"collectionId,omitempty"`
	Path              string `json:"path,omitempty"`
	OverwriteExisting bool   `json:"overwriteExisting"`
	ForceRegenerate   bool   `json:"forceRegenerate"`
}

func (*ScanCollection) MessageType() string { return TypeScanCollection }

// ScanLibrary asks the orchestrator to expand a library into
// per-collection scans.
type ScanLibrary struct {
	Envelope
	LibraryID         string `json:"libraryId"`
	OverwriteExisting bool   `json:"overwriteExisting"`
	ForceRegenerate   bool   `json:"forceRegenerate"`
}

func (*ScanLibrary) MessageType() string { return TypeScanLibrary }

// ImageDescriptor is the probed image a scan discovered, carried
// inside ProcessImage.
type ImageDescriptor struct {
	Filename     string                    `json:"filename"`
	RelativePath string                    `json:"relativePath"`
	FileSize     int64                     `json:"fileSize"`
	Width        int                       `json:"width"`
	Height       int                       `json:"height"`
	Format       string                    `json:"format"`
	Metadata     *collection.ImageMetadata `json:"metadata,omitempty"`
}

// ProcessImage records one discovered image on its collection and
// fans out rendition work.
type ProcessImage struct {
	Envelope
	CollectionID    string          `json:"collectionId"`
	Image           ImageDescriptor `json:"image"`
	ForceRegenerate bool            `json:"forceRegenerate"`
}

func (*ProcessImage) MessageType() string { return TypeProcessImage }

// GenerateThumbnail renders one thumbnail.
type GenerateThumbnail struct {
	Envelope
	CollectionID    string `json:"collectionId"`
	ImageID         string `json:"imageId"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Format          string `json:"format,omitempty"`
	ForceRegenerate bool   `json:"forceRegenerate"`
}

func (*GenerateThumbnail) MessageType() string { return TypeGenerateThumbnail }

// GenerateCache renders one cache rendition.
type GenerateCache struct {
	Envelope
	CollectionID    string `json:"collectionId"`
	ImageID         string `json:"imageId"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Format          string `json:"format,omitempty"`
	ForceRegenerate bool   `json:"forceRegenerate"`
}

func (*GenerateCache) MessageType() string { return TypeGenerateCache }

// CreateCollection registers a collection and optionally queues its
// first scan.
type CreateCollection struct {
	Envelope
	Name              string `json:"name"`
	Path              string `json:"path"`
	Type              string `json:"type"`
	LibraryID         string `json:"libraryId,omitempty"`
	ScanAfterCreate   bool   `json:"scanAfterCreate"`
	OverwriteExisting bool   `json:"overwriteExisting"`
}

func (*CreateCollection) MessageType() string { return TypeCreateCollection }

// Bulk operation names.
const (
	BulkOpScan            = "scan"
	BulkOpRegenThumbnails = "regenerate-thumbnails"
	BulkOpSoftDelete      = "soft-delete"
)

// BulkOperation applies one operation to many collections with
// partial-success semantics.
type BulkOperation struct {
	Envelope
	Operation     string   `json:"operation"`
	CollectionIDs []string `json:"collectionIds"`
}

func (*BulkOperation) MessageType() string { return TypeBulkOperation }

// Failure is the event published to the dead-letter exchange when a
// consumer permanently gives up on a message but still acks it.
type Failure struct {
	Envelope
	OriginalType string `json:"originalType"`
	OriginalID   string `json:"originalId,omitempty"`
	CollectionID string `json:"collectionId,omitempty"`
	ImageID      string `json:"imageId,omitempty"`
	Reason       string `json:"reason"`
}

func (*Failure) MessageType() string { return TypeFailure }

var payloads = map[string]func() Message{
	TypeScanCollection:    func() Message { return new(ScanCollection) },
	TypeScanLibrary:       func() Message { return new(ScanLibrary) },
	TypeProcessImage:      func() Message { return new(ProcessImage) },
	TypeGenerateThumbnail: func() Message { return new(GenerateThumbnail) },
	TypeGenerateCache:     func() Message { return new(GenerateCache) },
	TypeCreateCollection:  func() Message { return new(CreateCollection) },
	TypeBulkOperation:     func() Message { return new(BulkOperation) },
	TypeFailure:           func() Message { return new(Failure) },
}

// RoutingKey returns the key a message publishes under.
func RoutingKey(m Message) string {
	if m.MessageType() == TypeScanLibrary {
		return KeyLibraryScan
	}
	return m.MessageType()
}

// Marshal stamps the envelope (id, type, timestamp) and serializes m.
// An already-set ID or CorrelationID survives, so republished
// messages keep their identity.
func Marshal(m Message) ([]byte, error) {
	e := m.envelope()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.MessageType = m.MessageType()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal %s: %w", m.MessageType(), err)
	}
	return b, nil
}

// Unmarshal decodes b into the registered payload type for its
// messageType tag.
func Unmarshal(b []byte) (Message, error) {
	var head Envelope
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("bus: bad message envelope: %w", err)
	}
	mk, ok := payloads[head.MessageType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, head.MessageType)
	}
	m := mk()
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("bus: decode %s: %w", head.MessageType, err)
	}
	return m, nil
}
