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
	"testing"
	"time"

	"github.com/streadway/amqp"
)

func TestMarshalStampsEnvelope(t *testing.T) {
	m := &ScanCollection{CollectionID: "abc", OverwriteExisting: true}
	b, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID == "" {
		t.Error("Marshal left ID empty")
	}
	if m.MessageType() != TypeScanCollection || m.Envelope.MessageType != TypeScanCollection {
		t.Errorf("messageType = %q; want %q", m.Envelope.MessageType, TypeScanCollection)
	}
	if m.Timestamp.IsZero() {
		t.Error("Marshal left Timestamp zero")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "messageType", "timestamp", "collectionId", "overwriteExisting"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("serialized message missing key %q: %s", key, b)
		}
	}
	if _, ok := raw["correlationId"]; ok {
		t.Error("empty correlationId should be omitted")
	}
}

func TestMarshalPreservesIdentity(t *testing.T) {
	m := &GenerateThumbnail{CollectionID: "c", ImageID: "i", Width: 300, Height: 400}
	m.ID = "fixed-id"
	m.CorrelationID = "corr-7"
	ts := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
	m.Timestamp = ts
	if _, err := Marshal(m); err != nil {
		t.Fatal(err)
	}
	if m.ID != "fixed-id" {
		t.Errorf("ID = %q; want preserved %q", m.ID, "fixed-id")
	}
	if m.CorrelationID != "corr-7" {
		t.Errorf("CorrelationID = %q; want preserved %q", m.CorrelationID, "corr-7")
	}
	if !m.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v; want preserved %v", m.Timestamp, ts)
	}
}

func TestRoundtrip(t *testing.T) {
	msgs := []Message{
		&ScanCollection{CollectionID: "c1", OverwriteExisting: true, ForceRegenerate: true},
		&ScanLibrary{LibraryID: "lib1", OverwriteExisting: true},
		&ProcessImage{CollectionID: "c1", Image: ImageDescriptor{
			Filename: "a.jpg", RelativePath: "sub/a.jpg", FileSize: 123, Width: 800, Height: 600, Format: "jpeg",
		}},
		&GenerateThumbnail{CollectionID: "c1", ImageID: "img1", Width: 300, Height: 400},
		&GenerateCache{CollectionID: "c1", ImageID: "img1", Width: 1920, Height: 1080, Format: "jpeg"},
		&CreateCollection{Name: "vacation", Path: "/data/vacation.zip", Type: "zip", ScanAfterCreate: true},
		&BulkOperation{Operation: BulkOpScan, CollectionIDs: []string{"c1", "c2"}},
		&Failure{OriginalType: TypeGenerateThumbnail, CollectionID: "c1", ImageID: "img1", Reason: "decode failed"},
	}
	for _, m := range msgs {
		b, err := Marshal(m)
		if err != nil {
			t.Fatalf("%s: %v", m.MessageType(), err)
		}
		got, err := Unmarshal(b)
		if err != nil {
			t.Fatalf("%s: Unmarshal: %v", m.MessageType(), err)
		}
		if got.MessageType() != m.MessageType() {
			t.Errorf("roundtrip type = %q; want %q", got.MessageType(), m.MessageType())
		}
		if got.envelope().ID != m.envelope().ID {
			t.Errorf("%s: roundtrip ID = %q; want %q", m.MessageType(), got.envelope().ID, m.envelope().ID)
		}
	}

	b, _ := Marshal(&ProcessImage{CollectionID: "c9", Image: ImageDescriptor{Filename: "x.png", Width: 10, Height: 20, Format: "png"}})
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	pi, ok := got.(*ProcessImage)
	if !ok {
		t.Fatalf("Unmarshal returned %T; want *ProcessImage", got)
	}
	if pi.CollectionID != "c9" || pi.Image.Filename != "x.png" || pi.Image.Height != 20 {
		t.Errorf("decoded payload = %+v", pi)
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"id":"x","messageType":"no.such.thing","timestamp":"2025-01-01T00:00:00Z"}`))
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("err = %v; want ErrUnknownMessageType", err)
	}
	if _, err := Unmarshal([]byte(`{garbage`)); err == nil {
		t.Error("Unmarshal(garbage) = nil error")
	}
}

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		m    Message
		want string
	}{
		{&ScanCollection{}, "collection.scan"},
		{&ScanLibrary{}, "library_scan_queue"},
		{&ProcessImage{}, "image.processing"},
		{&GenerateThumbnail{}, "thumbnail.generation"},
		{&GenerateCache{}, "cache.generation"},
		{&CreateCollection{}, "collection.creation"},
		{&BulkOperation{}, "bulk.operation"},
		{&Failure{}, "processing.failure"},
	}
	for _, tt := range tests {
		if got := RoutingKey(tt.m); got != tt.want {
			t.Errorf("RoutingKey(%s) = %q; want %q", tt.m.MessageType(), got, tt.want)
		}
	}
}

func TestWorkQueues(t *testing.T) {
	qs := WorkQueues()
	if len(qs) != 7 {
		t.Fatalf("got %d work queues; want 7", len(qs))
	}
	seen := map[string]string{}
	for _, q := range qs {
		if prev, dup := seen[q.Name]; dup {
			t.Errorf("queue %q declared twice (keys %q, %q)", q.Name, prev, q.Key)
		}
		seen[q.Name] = q.Key
	}
	if key := seen[QueueLibraryScan]; key != KeyLibraryScan {
		t.Errorf("library_scan bound to %q; want %q", key, KeyLibraryScan)
	}
	if key := seen[QueueThumbnailGeneration]; key != TypeGenerateThumbnail {
		t.Errorf("thumbnail_generation bound to %q; want %q", key, TypeGenerateThumbnail)
	}
}

func TestAttemptsFrom(t *testing.T) {
	tests := []struct {
		headers amqp.Table
		want    int
	}{
		{nil, 0},
		{amqp.Table{}, 0},
		{amqp.Table{headerAttempts: int32(2)}, 2},
		{amqp.Table{headerAttempts: int64(3)}, 3},
		{amqp.Table{headerAttempts: 4}, 4},
		{amqp.Table{headerAttempts: "bogus"}, 0},
	}
	for _, tt := range tests {
		if got := attemptsFrom(tt.headers); got != tt.want {
			t.Errorf("attemptsFrom(%v) = %d; want %d", tt.headers, got, tt.want)
		}
	}
}

func TestMsString(t *testing.T) {
	if got := msString(1500 * time.Millisecond); got != "1500" {
		t.Errorf("msString(1.5s) = %q; want \"1500\"", got)
	}
	if got := msString(30 * time.Second); got != "30000" {
		t.Errorf("msString(30s) = %q; want \"30000\"", got)
	}
}

func TestPublishOptions(t *testing.T) {
	var o publishOpts
	WithPriority(99)(&o)
	if o.priority != maxPriority {
		t.Errorf("priority = %d; want clamped to %d", o.priority, maxPriority)
	}
	WithPriority(5)(&o)
	if o.priority != 5 {
		t.Errorf("priority = %d; want 5", o.priority)
	}
	WithDelay(time.Minute)(&o)
	if o.delay != time.Minute {
		t.Errorf("delay = %v; want 1m", o.delay)
	}
	WithCorrelation("abc")(&o)
	if o.corrID != "abc" {
		t.Errorf("corrID = %q; want \"abc\"", o.corrID)
	}
}
