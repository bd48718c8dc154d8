package main

import (
	"context"
	"log"
	"time"

	"github.com/jnesss/fim-recorder/database"
	"github.com/jnesss/fim-recorder/events"
	"github.com/jnesss/fim-recorder/process"
	"github.com/jnesss/fim-recorder/ring"
	"github.com/jnesss/fim-recorder/sigma"
)

// PathReader rebuilds a path from a ring reference. It is nil when the
// transport gives no access to the path ring; paths then stay empty.
type PathReader func(ref events.PathRef) (string, error)

// Consumer decodes published records, rebuilds referenced paths, persists
// the result and runs detection.
type Consumer struct {
	db       *database.DB
	detector *sigma.Detector
	readPath PathReader
}

// NewConsumer creates a consumer; detector may be nil
func NewConsumer(db *database.DB, detector *sigma.Detector, readPath PathReader) *Consumer {
	return &Consumer{db: db, detector: detector, readPath: readPath}
}

// Run drains the output ring until stop closes
func (c *Consumer) Run(buf *ring.Buffer, stop <-chan struct{}) {
	for {
		record := buf.Read()
		if record == nil {
			select {
			case <-stop:
				return
			case <-buf.Wakeup():
			case <-time.After(time.Second):
			}
			continue
		}
		c.HandleRecord(record)
	}
}

// HandleRecord decodes and stores one raw event record
func (c *Consumer) HandleRecord(data []byte) {
	hdr, err := events.DecodeHeader(data)
	if err != nil {
		log.Printf("Failed to decode event header: %v", err)
		return
	}

	switch events.EventType(hdr.Type) {
	case events.EventLink:
		evt, err := events.DecodeLink(data)
		if err != nil {
			log.Printf("Failed to decode link event: %v", err)
			return
		}
		c.storeLink(evt)
	case events.EventUnlink:
		evt, err := events.DecodeUnlink(data)
		if err != nil {
			log.Printf("Failed to decode unlink event: %v", err)
			return
		}
		c.storeUnlink(evt)
	default:
		log.Printf("Unknown event type %d", hdr.Type)
	}
}

func (c *Consumer) path(ref events.PathRef) string {
	if c.readPath == nil {
		return ""
	}
	path, err := c.readPath(ref)
	if err != nil {
		log.Printf("Failed to rebuild path: %v", err)
		return ""
	}
	return path
}

func (c *Consumer) storeLink(evt *events.LinkEvent) {
	record := &database.FimRecord{
		Timestamp:   time.Unix(0, int64(evt.Header.Timestamp)),
		EventType:   events.EventLink.String(),
		PID:         evt.Process.PID,
		TID:         evt.Process.TID,
		UID:         evt.Process.UID,
		GID:         evt.Process.GID,
		Comm:        events.CommString(evt.Process.Comm),
		Username:    process.GetUsernameFromUID(evt.Process.UID),
		ContainerID: events.ContainerString(evt.Container.ID),
		SpanID:      evt.Span.SpanID,
		TraceID:     evt.Span.TraceID,
		Retval:      evt.Retval,
		Async:       evt.Header.Flags&events.FlagAsync != 0,
		SrcPath:     c.path(evt.Source.PathRef),
		SrcInode:    evt.Source.Key.Inode,
		SrcMountID:  evt.Source.Key.MountID,
		TargetPath:  c.path(evt.Target.PathRef),
		TargetInode: evt.Target.Key.Inode,
		Mode:        evt.Source.Metadata.Mode,
		Flags:       evt.Source.Flags | evt.Target.Flags,
	}
	c.store(record)
}

func (c *Consumer) storeUnlink(evt *events.UnlinkEvent) {
	record := &database.FimRecord{
		Timestamp:   time.Unix(0, int64(evt.Header.Timestamp)),
		EventType:   events.EventUnlink.String(),
		PID:         evt.Process.PID,
		TID:         evt.Process.TID,
		UID:         evt.Process.UID,
		GID:         evt.Process.GID,
		Comm:        events.CommString(evt.Process.Comm),
		Username:    process.GetUsernameFromUID(evt.Process.UID),
		ContainerID: events.ContainerString(evt.Container.ID),
		SpanID:      evt.Span.SpanID,
		TraceID:     evt.Span.TraceID,
		Retval:      evt.Retval,
		Async:       evt.Header.Flags&events.FlagAsync != 0,
		SrcPath:     c.path(evt.File.PathRef),
		SrcInode:    evt.File.Key.Inode,
		SrcMountID:  evt.File.Key.MountID,
		Mode:        evt.File.Metadata.Mode,
		Flags:       evt.File.Flags | evt.Flags,
	}
	c.store(record)
}

func (c *Consumer) store(record *database.FimRecord) {
	var eventID int64
	if c.db != nil {
		id, err := c.db.InsertEvent(record)
		if err != nil {
			log.Printf("Failed to insert event record: %v", err)
		} else {
			eventID = id
		}
	}

	if c.detector == nil {
		return
	}

	eventMap := map[string]interface{}{
		"TargetFilename": record.TargetPath,
		"SourceFilename": record.SrcPath,
		"Image":          record.Comm,
		"Username":       record.Username,
		"ProcessId":      int64(record.PID),
	}
	if record.EventType == events.EventUnlink.String() {
		eventMap["TargetFilename"] = record.SrcPath
	}

	for _, match := range c.detector.CheckEvent(context.Background(), eventMap, record.EventType) {
		if err := c.detector.StoreMatch(match, eventMap, record.EventType, eventID); err != nil {
			log.Printf("Failed to store rule match: %v", err)
		}
	}
}
