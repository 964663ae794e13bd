package store

import (
	"context"
	"encoding/binary"
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCounters = []byte("counters")
	bucketRecords  = []byte("records")
)

// Built-in Action names.
const (
	ActionIncrementCounter = "incrementCounter"
	ActionGetCounter       = "getCounter"
	ActionPutRecord        = "putRecord"
	ActionGetRecord        = "getRecord"
	ActionDeleteRecord     = "deleteRecord"
	ActionListRecords      = "listRecords"
)

type CounterRequest struct {
	ID string `json:"id"`
	By int64  `json:"by,omitempty"`
}

type Counter struct {
	ID    string `json:"id"`
	Value int64  `json:"value"`
}

type RecordRequest struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type Record struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
}

func registerBuiltins(d *DB) {
	d.Register(Action{Name: ActionIncrementCounter, Write: true, Handler: incrementCounter})
	d.Register(Action{Name: ActionGetCounter, Handler: getCounter})
	d.Register(Action{Name: ActionPutRecord, Write: true, Handler: putRecord})
	d.Register(Action{Name: ActionGetRecord, Handler: getRecord})
	d.Register(Action{Name: ActionDeleteRecord, Write: true, Handler: deleteRecord})
	d.Register(Action{Name: ActionListRecords, Handler: listRecords})
}

func decodeCounter(payload json.RawMessage) (CounterRequest, error) {
	var req CounterRequest
	if len(payload) == 0 {
		return req, Fail("counter id required")
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, Fail("invalid payload: %v", err)
	}
	if req.ID == "" {
		return req, Fail("counter id required")
	}
	return req, nil
}

func incrementCounter(_ context.Context, tx *bolt.Tx, payload json.RawMessage) (any, error) {
	req, err := decodeCounter(payload)
	if err != nil {
		return nil, err
	}
	if req.By == 0 {
		req.By = 1
	}
	b := tx.Bucket(bucketCounters)
	value := readInt(b.Get([]byte(req.ID))) + req.By

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	if err := b.Put([]byte(req.ID), buf[:]); err != nil {
		return nil, err
	}
	return Counter{ID: req.ID, Value: value}, nil
}

func getCounter(_ context.Context, tx *bolt.Tx, payload json.RawMessage) (any, error) {
	req, err := decodeCounter(payload)
	if err != nil {
		return nil, err
	}
	return Counter{ID: req.ID, Value: readInt(tx.Bucket(bucketCounters).Get([]byte(req.ID)))}, nil
}

func readInt(v []byte) int64 {
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func decodeRecord(payload json.RawMessage, needID bool) (RecordRequest, error) {
	var req RecordRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return req, Fail("invalid payload: %v", err)
		}
	}
	if req.Collection == "" {
		return req, Fail("collection required")
	}
	if needID && req.ID == "" {
		return req, Fail("record id required")
	}
	return req, nil
}

func putRecord(_ context.Context, tx *bolt.Tx, payload json.RawMessage) (any, error) {
	req, err := decodeRecord(payload, true)
	if err != nil {
		return nil, err
	}
	if len(req.Data) == 0 || !json.Valid(req.Data) {
		return nil, Fail("record data must be valid JSON")
	}
	col, err := tx.Bucket(bucketRecords).CreateBucketIfNotExists([]byte(req.Collection))
	if err != nil {
		return nil, err
	}
	if err := col.Put([]byte(req.ID), req.Data); err != nil {
		return nil, err
	}
	return Record{Collection: req.Collection, ID: req.ID, Data: req.Data}, nil
}

func getRecord(_ context.Context, tx *bolt.Tx, payload json.RawMessage) (any, error) {
	req, err := decodeRecord(payload, true)
	if err != nil {
		return nil, err
	}
	col := tx.Bucket(bucketRecords).Bucket([]byte(req.Collection))
	if col == nil {
		return nil, Fail("%s/%s not found", req.Collection, req.ID)
	}
	v := col.Get([]byte(req.ID))
	if v == nil {
		return nil, Fail("%s/%s not found", req.Collection, req.ID)
	}
	// bbolt memory is only valid inside the transaction.
	data := make(json.RawMessage, len(v))
	copy(data, v)
	return Record{Collection: req.Collection, ID: req.ID, Data: data}, nil
}

func deleteRecord(_ context.Context, tx *bolt.Tx, payload json.RawMessage) (any, error) {
	req, err := decodeRecord(payload, true)
	if err != nil {
		return nil, err
	}
	col := tx.Bucket(bucketRecords).Bucket([]byte(req.Collection))
	if col == nil || col.Get([]byte(req.ID)) == nil {
		return nil, Fail("%s/%s not found", req.Collection, req.ID)
	}
	if err := col.Delete([]byte(req.ID)); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

func listRecords(_ context.Context, tx *bolt.Tx, payload json.RawMessage) (any, error) {
	req, err := decodeRecord(payload, false)
	if err != nil {
		return nil, err
	}
	records := []Record{}
	col := tx.Bucket(bucketRecords).Bucket([]byte(req.Collection))
	if col == nil {
		return records, nil
	}
	err = col.ForEach(func(k, v []byte) error {
		data := make(json.RawMessage, len(v))
		copy(data, v)
		records = append(records, Record{Collection: req.Collection, ID: string(k), Data: data})
		return nil
	})
	return records, err
}
