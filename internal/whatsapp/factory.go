package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"
)

const storeFile = "store.db"

var validSessionID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSessionID reports whether id is safe to use as a directory name.
func ValidSessionID(id string) bool {
	return validSessionID.MatchString(id)
}

// ClientFactory creates whatsmeow clients with one sqlite device store per
// session under AuthDir/<session>/store.db.
type ClientFactory struct {
	AuthDir    string
	DeviceName string
	Log        zerolog.Logger
}

var deviceNameOnce sync.Once

func NewClientFactory(authDir, deviceName string, log zerolog.Logger) *ClientFactory {
	return &ClientFactory{AuthDir: authDir, DeviceName: deviceName, Log: log}
}

func (f *ClientFactory) New(ctx context.Context, sessionID string) (Client, error) {
	if !ValidSessionID(sessionID) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	if f.DeviceName != "" {
		// global whatsmeow setting, must be set before devices are created
		deviceNameOnce.Do(func() { store.DeviceProps.Os = proto.String(f.DeviceName) })
	}

	dir := filepath.Join(f.AuthDir, sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create auth dir: %w", err)
	}

	log := f.Log.With().Str("session", sessionID).Logger()
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", filepath.Join(dir, storeFile))
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Zerolog(log.With().Str("module", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	wa := whatsmeow.NewClient(device, waLog.Zerolog(log.With().Str("module", "client").Logger()))
	// reconnects are driven by the session supervisor
	wa.EnableAutoReconnect = false

	return &wmClient{
		wa:         wa,
		container:  container,
		log:        log,
		groupNames: make(map[types.JID]string),
	}, nil
}

func (f *ClientFactory) Stored() ([]string, error) {
	entries, err := os.ReadDir(f.AuthDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read auth dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !ValidSessionID(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(f.AuthDir, e.Name(), storeFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (f *ClientFactory) Remove(sessionID string) error {
	if !ValidSessionID(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	if err := os.RemoveAll(filepath.Join(f.AuthDir, sessionID)); err != nil {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}
