package server

import (
	"net"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/common"
	"github.com/Pablu23/tftp/internal/session"
)

// DirHandler serves reads from and stores writes under a single directory.
// Requests naming anything outside that directory are rejected with an
// access violation.
type DirHandler struct {
	root string
}

func NewDirHandler(path string) (*DirHandler, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &DirHandler{root: root}, nil
}

// resolve maps a requested filename onto the data directory and refuses
// anything that is not a direct child of it. The containment check goes
// through filepath.Rel rather than pattern matching so a root containing
// glob metacharacters stays a plain path.
func (h *DirHandler) resolve(filename string) (string, error) {
	file := filepath.Clean(filepath.Join(h.root, filename))

	rel, err := filepath.Rel(h.root, file)
	if err != nil || rel == "." || rel == ".." || strings.Contains(rel, string(filepath.Separator)) {
		log.WithFields(log.Fields{
			"ParentFilePath":    h.root,
			"RequestedFilePath": filename,
			"CleanedFilePath":   file,
		}).Warn("Requesting file out of path")
		return "", &common.Error{Code: common.ErrAccessViolation, Message: common.ErrAccessViolation.Message()}
	}
	return file, nil
}

func (h *DirHandler) ReadFile(peer *net.UDPAddr, filename string) ([]byte, session.Sink, error) {
	path, err := h.resolve(filename)
	if err != nil {
		return nil, nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &common.Error{Code: common.ErrFileNotFound, Message: common.ErrFileNotFound.Message()}
	}
	return data, nil, nil
}

func (h *DirHandler) WriteFile(peer *net.UDPAddr, filename string) (session.Sink, error) {
	path, err := h.resolve(filename)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err == nil {
		return nil, &common.Error{Code: common.ErrFileExists, Message: common.ErrFileExists.Message()}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, &common.Error{Code: common.ErrAccessViolation, Message: common.ErrAccessViolation.Message()}
	}
	return &fileSink{file: file, path: path}, nil
}

// fileSink streams an accepted write into its file. A failed transfer
// removes the partial file instead of leaving it behind.
type fileSink struct {
	file *os.File
	path string
}

func (s *fileSink) OnBlock(payload []byte) {
	if _, err := s.file.Write(payload); err != nil {
		log.WithError(err).WithField("File Path", s.path).Error("Unable to write file")
	}
}

func (s *fileSink) OnComplete() {
	if err := s.file.Close(); err != nil {
		log.WithError(err).Error("Could not close file")
	}
}

func (s *fileSink) OnFailed(msg string) {
	if err := s.file.Close(); err != nil {
		log.WithError(err).Error("Could not close file")
	}
	if err := os.Remove(s.path); err != nil {
		log.WithError(err).WithField("File Path", s.path).Error("Could not remove partial file")
	}
}
