package ipc

import (
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/downloader"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
)

// Op names a caller-invoked installer operation
type Op string

const (
	OpHello                Op = "hello"
	OpCheckWritePermission Op = "check_write_permission"
	OpCheckForUpdates      Op = "check_for_updates"
	OpBeginDownload        Op = "begin_download"
	OpCancelDownload       Op = "cancel_download"
	OpExtract              Op = "extract"
	OpInstall              Op = "install"
	OpConfirmReply         Op = "confirm_reply"
	OpCleanUp              Op = "clean_up"
)

// EventKind names a service-invoked callback
type EventKind string

const (
	EventHello               EventKind = "hello"
	EventAck                 EventKind = "ack"
	EventRejected            EventKind = "rejected"
	EventWritePermission     EventKind = "write_permission"
	EventFeed                EventKind = "feed"
	EventDownloadProgress    EventKind = "download_progress"
	EventDownloadComplete    EventKind = "download_complete"
	EventDownloadFailed      EventKind = "download_failed"
	EventDownloadCancelled   EventKind = "download_cancelled"
	EventExtractProgress     EventKind = "extract_progress"
	EventExtractComplete     EventKind = "extract_complete"
	EventExtractFailed       EventKind = "extract_failed"
	EventConfirmInstall      EventKind = "confirm_install"
	EventInstallHalted       EventKind = "install_halted"
	EventWillRelaunch        EventKind = "will_relaunch"
	EventShouldTerminateHost EventKind = "should_terminate_host"
	EventInstallFailed       EventKind = "install_failed"
)

// Request is a caller-invoked operation. Session and Seq correlate every event back to it.
type Request struct {
	Session string `msgpack:"session"`
	Seq     uint64 `msgpack:"seq"`
	Op      Op     `msgpack:"op"`

	ProtocolVersion string             `msgpack:"protocol_version,omitempty"`
	URL             string             `msgpack:"url,omitempty"`
	Identifier      string             `msgpack:"identifier,omitempty"`
	HostBundlePath  string             `msgpack:"host_bundle_path,omitempty"`
	Options         downloader.Options `msgpack:"options"`
	Relaunch        bool               `msgpack:"relaunch"`
	ShowUI          bool               `msgpack:"show_ui"`
	HostPID         int32              `msgpack:"host_pid,omitempty"`
	// ReplyTo is the install request a confirm_reply answers
	ReplyTo uint64 `msgpack:"reply_to,omitempty"`
	Allow   bool   `msgpack:"allow"`
	Retain  bool   `msgpack:"retain"`
}

// Event is a service-invoked callback for the request with the same Session and Seq.
// Final marks the last event of that request.
type Event struct {
	Session string    `msgpack:"session"`
	Seq     uint64    `msgpack:"seq"`
	Kind    EventKind `msgpack:"kind"`
	Final   bool      `msgpack:"final"`

	ProtocolVersion string             `msgpack:"protocol_version,omitempty"`
	Identifier      string             `msgpack:"identifier,omitempty"`
	Written         int64              `msgpack:"written,omitempty"`
	Expected        int64              `msgpack:"expected,omitempty"`
	Progress        float64            `msgpack:"progress,omitempty"`
	Items           []feed.ReleaseItem `msgpack:"items,omitempty"`
	Diagnostics     []string           `msgpack:"diagnostics,omitempty"`
	CanWrite        bool               `msgpack:"can_write"`
	Relaunch        bool               `msgpack:"relaunch"`
	ShowUI          bool               `msgpack:"show_ui"`
	Err             *WireError         `msgpack:"error,omitempty"`
}

// WireError carries a status error across the process boundary
type WireError struct {
	Type    status.Type `msgpack:"type"`
	Message string      `msgpack:"message"`
}

// NewWireError flattens err, keeping its status type when it has one
func NewWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	t := status.TypeOf(err)
	if t == 0 {
		t = status.Installation
	}
	return &WireError{Type: t, Message: err.Error()}
}

// AsError rebuilds the status error on the receiving side
func (w *WireError) AsError() error {
	if w == nil {
		return nil
	}
	return &status.Error{ErrorType: w.Type, Message: w.Message}
}
