// Package mailbox holds the two file-backed slots used to hand one message
// to the external worker and read its answer back.
//
// The mailbox does no locking. Callers sequence Put, the worker run and Get.
package mailbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Slot names one of the two mailbox locations.
type Slot string

const (
	SlotRequest  Slot = "request"
	SlotResponse Slot = "response"
)

const slotFileMode = 0o644

// Mailbox maps slots to files on disk.
type Mailbox struct {
	paths map[Slot]string
}

// New validates both slot paths and returns a Mailbox over them.
func New(requestPath string, responsePath string) (*Mailbox, error) {
	requestPath = strings.TrimSpace(requestPath)
	responsePath = strings.TrimSpace(responsePath)

	if requestPath == "" {
		return nil, errors.New("request slot path is required")
	}
	if responsePath == "" {
		return nil, errors.New("response slot path is required")
	}
	if filepath.Clean(requestPath) == filepath.Clean(responsePath) {
		return nil, fmt.Errorf("request and response slots share path %s", requestPath)
	}

	return &Mailbox{
		paths: map[Slot]string{
			SlotRequest:  filepath.Clean(requestPath),
			SlotResponse: filepath.Clean(responsePath),
		},
	}, nil
}

// Path returns the file backing a slot, or "" for an unknown slot.
func (m *Mailbox) Path(slot Slot) string {
	return m.paths[slot]
}

// Put replaces the slot's contents with payload. On failure the previous
// contents are undefined.
func (m *Mailbox) Put(slot Slot, payload []byte) error {
	path, err := m.resolve(slot)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, slotFileMode)
	if err != nil {
		return newFault(slot, "open", err)
	}

	if _, err := file.Write(payload); err != nil {
		_ = file.Close()
		return newFault(slot, "write", err)
	}

	if err := file.Close(); err != nil {
		return newFault(slot, "close", err)
	}

	return nil
}

// Get returns the slot's full contents. A zero-length slot yields ErrEmpty.
func (m *Mailbox) Get(slot Slot) ([]byte, error) {
	path, err := m.resolve(slot)
	if err != nil {
		return nil, err
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, newFault(slot, "read", err)
	}
	if len(payload) == 0 {
		return nil, ErrEmpty
	}

	return payload, nil
}

// Check verifies that both slot directories exist.
func (m *Mailbox) Check() error {
	var errs []error
	for _, slot := range []Slot{SlotRequest, SlotResponse} {
		dir := filepath.Dir(m.paths[slot])
		info, err := os.Stat(dir)
		if err != nil {
			errs = append(errs, newFault(slot, "stat", err))
			continue
		}
		if !info.IsDir() {
			errs = append(errs, &StorageFault{Slot: slot, Op: "stat", Category: FaultIO, Detail: dir + " is not a directory"})
		}
	}

	return errors.Join(errs...)
}

func (m *Mailbox) resolve(slot Slot) (string, error) {
	path, ok := m.paths[slot]
	if !ok {
		return "", &StorageFault{Slot: slot, Op: "resolve", Category: FaultIO, Detail: "unknown slot"}
	}

	return path, nil
}
