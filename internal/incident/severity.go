package incident

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-sentinel/internal/data"
)

// Incident types raised by the runtime. Deployments may define more in the
// severity table; unknown types default to low severity.
const (
	TypeFaceMatch     = "face_match"
	TypeUnknownFace   = "unknown_face"
	TypeCameraOffline = "camera_offline"
	TypeCameraTamper  = "camera_tamper"
	TypeSystemError   = "system_error"
	TypeIntrusion     = "intrusion"
)

const severityPollInterval = 60 * time.Second

// defaultSeverities is the built-in mapping used when the deployment does not
// provide a table, and the base the provided table merges over.
func defaultSeverities() map[string]data.IncidentSeverity {
	return map[string]data.IncidentSeverity{
		TypeFaceMatch:     data.SeverityHigh,
		TypeUnknownFace:   data.SeverityMedium,
		TypeCameraOffline: data.SeverityMedium,
		TypeCameraTamper:  data.SeverityHigh,
		TypeSystemError:   data.SeverityLow,
		TypeIntrusion:     data.SeverityCritical,
	}
}

// SeverityTable maps incident types to severities. The active table is the
// built-in defaults merged with an optional deployment YAML file, hot-reloaded
// while the process runs.
type SeverityTable struct {
	path string

	mu      sync.RWMutex
	table   map[string]data.IncidentSeverity
	modTime time.Time
}

// NewSeverityTable loads the table once. A missing or unreadable file logs a
// warning and leaves the defaults active.
func NewSeverityTable(path string) *SeverityTable {
	t := &SeverityTable{path: path, table: defaultSeverities()}
	if path != "" {
		if err := t.Reload(); err != nil {
			log.Printf("[Incidents] [WARN] severity table %s not loaded, using defaults: %v", path, err)
		}
	}
	return t
}

// Resolve maps an incident type to its severity. Unknown types are low.
func (t *SeverityTable) Resolve(incidentType string) data.IncidentSeverity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if sev, ok := t.table[incidentType]; ok {
		return sev
	}
	return data.SeverityLow
}

// Reload re-reads the file and swaps the merged table in.
func (t *SeverityTable) Reload() error {
	raw, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}

	var file map[string]string
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse severity table: %w", err)
	}

	merged := defaultSeverities()
	for typ, sev := range file {
		s := data.IncidentSeverity(sev)
		switch s {
		case data.SeverityLow, data.SeverityMedium, data.SeverityHigh, data.SeverityCritical:
			merged[typ] = s
		default:
			log.Printf("[Incidents] [WARN] severity table: unknown severity %q for type %q, skipping", sev, typ)
		}
	}

	info, _ := os.Stat(t.path)

	t.mu.Lock()
	t.table = merged
	if info != nil {
		t.modTime = info.ModTime()
	}
	t.mu.Unlock()

	log.Printf("[Incidents] severity table reloaded from %s (%d entries)", t.path, len(file))
	return nil
}

// Watch hot-reloads the table on file changes. fsnotify is the fast path; a
// slow mtime poll runs alongside as a safety net for filesystems that do not
// deliver events.
func (t *SeverityTable) Watch(ctx context.Context) {
	if t.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := watcher.Add(t.path); addErr != nil {
			log.Printf("[Incidents] [WARN] cannot watch severity table %s, polling only: %v", t.path, addErr)
			watcher.Close()
			watcher = nil
		}
	} else {
		log.Printf("[Incidents] [WARN] fsnotify unavailable, polling only: %v", err)
		watcher = nil
	}

	if watcher != nil {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						// Editors often emit a burst of events per save.
						time.Sleep(100 * time.Millisecond)
						if err := t.Reload(); err != nil {
							log.Printf("[Incidents] [WARN] severity table reload failed: %v", err)
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[Incidents] [WARN] severity table watcher: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(severityPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.reloadIfChanged()
			}
		}
	}()
}

// reloadIfChanged reloads only when the file mtime moved, so the poll loop
// does not spam logs every minute.
func (t *SeverityTable) reloadIfChanged() {
	info, err := os.Stat(t.path)
	if err != nil {
		return
	}
	t.mu.RLock()
	last := t.modTime
	t.mu.RUnlock()
	if !info.ModTime().After(last) {
		return
	}
	if err := t.Reload(); err != nil {
		log.Printf("[Incidents] [WARN] severity table reload failed: %v", err)
	}
}
