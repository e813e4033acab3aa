package session

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzReadSessionFile feeds arbitrary bytes through the session file loader.
// The loader must reject malformed input with an error, never panic, and any
// session it accepts must survive validation without crashing.
func FuzzReadSessionFile(f *testing.F) {
	f.Add([]byte(`{}`))
	f.Add([]byte(`not json`))
	f.Add([]byte(`{"version":1,"id":"sess-1","title":"t","messages":[]}`))
	f.Add([]byte(`{"version":1,"id":"sess-1","messages":[{"id":"m1","role":"user","content":"hi"}]}`))
	f.Add([]byte(`{"version":99,"id":"../escape"}`))
	f.Add([]byte(`{"id":"a","messages":[{"role":"wizard"}]}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		path := filepath.Join(t.TempDir(), "fuzz.json")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}

		sess, err := readSessionFile(path)
		if err != nil {
			return
		}
		_ = validateSession(sess)
	})
}
