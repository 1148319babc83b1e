package licensing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ConfigFileName is the persisted licensing file inside the config directory.
const ConfigFileName = "proxy_app_config.json"

// record is the on-disk shape. Type is the discriminator; the remaining
// fields are populated according to it.
type record struct {
	Type Kind `json:"type"`

	// nlm
	ConnectionString string `json:"conn_str,omitempty"`

	// mhlm
	IdentityToken string        `json:"identity_token,omitempty"`
	SourceID      string        `json:"source_id,omitempty"`
	Expiry        string        `json:"expiry,omitempty"`
	Profile       *Profile      `json:"profile,omitempty"`
	Entitlements  []Entitlement `json:"entitlements,omitempty"`
	EntitlementID string        `json:"entitlement_id,omitempty"`
}

// Store persists a licensing State to <dir>/proxy_app_config.json.
type Store struct {
	path string
	now  func() time.Time
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{
		path: filepath.Join(dir, ConfigFileName),
		now:  time.Now,
	}
}

// Path returns the licensing file path.
func (s *Store) Path() string { return s.path }

// Save writes s. A nil state removes the file.
func (s *Store) Save(st State) error {
	if st == nil {
		return s.Clear()
	}

	rec, err := toRecord(st)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode licensing: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create licensing directory: %w", err)
	}
	// Write then rename so a crash never leaves a half-written file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write licensing file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace licensing file: %w", err)
	}
	return nil
}

// Load reads the persisted state. A missing file yields nil. An online
// identity that has expired also yields nil, together with a warning for
// the status payload.
func (s *Store) Load() (State, []string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read licensing file: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, fmt.Errorf("parse licensing file %s: %w", s.path, err)
	}

	st, err := fromRecord(rec)
	if err != nil {
		return nil, nil, err
	}
	if online, ok := st.(*OnlineLicense); ok && online.Expired(s.now()) {
		return nil, []string{"cached online licensing has expired; sign in again"}, nil
	}
	return st, nil, nil
}

// Clear removes the persisted state.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove licensing file: %w", err)
	}
	return nil
}

func toRecord(st State) (record, error) {
	switch v := st.(type) {
	case *NetworkLicense:
		return record{Type: KindNetwork, ConnectionString: v.ConnectionString}, nil
	case *OnlineLicense:
		profile := v.Profile
		rec := record{
			Type:          KindOnline,
			IdentityToken: v.IdentityToken,
			SourceID:      v.SourceID,
			Profile:       &profile,
			Entitlements:  v.Entitlements,
			EntitlementID: v.SelectedEntitlementID,
		}
		if !v.Expiry.IsZero() {
			rec.Expiry = v.Expiry.UTC().Format(time.RFC3339)
		}
		return rec, nil
	case *ExistingLicense:
		return record{Type: KindExisting}, nil
	default:
		return record{}, fmt.Errorf("unknown licensing state %T", st)
	}
}

func fromRecord(rec record) (State, error) {
	switch rec.Type {
	case KindNetwork:
		return &NetworkLicense{ConnectionString: rec.ConnectionString}, nil
	case KindOnline:
		o := &OnlineLicense{
			IdentityToken:         rec.IdentityToken,
			SourceID:              rec.SourceID,
			Entitlements:          rec.Entitlements,
			SelectedEntitlementID: rec.EntitlementID,
		}
		if rec.Profile != nil {
			o.Profile = *rec.Profile
		}
		if rec.Expiry != "" {
			t, err := time.Parse(time.RFC3339, rec.Expiry)
			if err != nil {
				return nil, fmt.Errorf("parse licensing expiry: %w", err)
			}
			o.Expiry = t
		}
		return o, nil
	case KindExisting:
		return &ExistingLicense{}, nil
	case KindNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown licensing type %q", rec.Type)
	}
}
