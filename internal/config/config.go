// Package config parses the CLI surface for both executables and
// resolves the pre-shared key, optionally watching a key file for
// rotation. The key itself is the raw bytes of whatever string the user
// supplies, never a hex-decoded or otherwise reinterpreted value. This
// package does not check its length; the cipher accepts only keys of 1 to
// 56 bytes and tunnel setup fails for any other length.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/fsnotify/fsnotify"

	"github.com/quietproxy/snet/internal/errs"
)

// ClientConfig holds the parsed flags for cmd/snet-client.
type ClientConfig struct {
	ListenIP   string
	ListenPort int
	TunnelIP   string
	TunnelPort int
	Key        string
	KeyFile    string
}

// ParseClientFlags parses args (typically os.Args[1:]) against the
// client's flag set: -listen IP:PORT (default 127.0.0.1:1080), -key KEY,
// -key-file PATH, followed by one positional ServerIP:Port argument.
func ParseClientFlags(args []string) (*ClientConfig, error) {
	fs := flag.NewFlagSet("snet-client", flag.ContinueOnError)
	listen := fs.String("listen", "127.0.0.1:1080", "local SOCKS5 listen address")
	key := fs.String("key", "", "pre-shared key")
	keyFile := fs.String("key-file", "", "path to a file holding the pre-shared key, watched for rotation")
	if err := fs.Parse(args); err != nil {
		return nil, errs.New(errs.Config, "snet-client: parse flags", err)
	}

	rest := fs.Args()
	if len(rest) != 1 {
		return nil, errs.New(errs.Config, "snet-client: args", fmt.Errorf("expected exactly one ServerIP:Port argument, got %d", len(rest)))
	}
	tunnelIP, tunnelPort, err := splitHostPort(rest[0])
	if err != nil {
		return nil, errs.New(errs.Config, "snet-client: server address", err)
	}
	listenIP, listenPort, err := splitHostPort(*listen)
	if err != nil {
		return nil, errs.New(errs.Config, "snet-client: -listen", err)
	}
	if *key == "" && *keyFile == "" {
		return nil, errs.New(errs.Config, "snet-client: key", errors.New("one of -key or -key-file is required"))
	}

	return &ClientConfig{
		ListenIP:   listenIP,
		ListenPort: listenPort,
		TunnelIP:   tunnelIP,
		TunnelPort: tunnelPort,
		Key:        *key,
		KeyFile:    *keyFile,
	}, nil
}

// ServerConfig holds the parsed flags for cmd/snet-server.
type ServerConfig struct {
	ListenIP   string
	ListenPort int
	Key        string
	KeyFile    string
}

// ParseServerFlags parses args against the server's flag set: -listen
// IP:PORT (required), -key KEY, -key-file PATH.
func ParseServerFlags(args []string) (*ServerConfig, error) {
	fs := flag.NewFlagSet("snet-server", flag.ContinueOnError)
	listen := fs.String("listen", "", "tunnel listen address, IP:PORT")
	key := fs.String("key", "", "pre-shared key")
	keyFile := fs.String("key-file", "", "path to a file holding the pre-shared key, watched for rotation")
	if err := fs.Parse(args); err != nil {
		return nil, errs.New(errs.Config, "snet-server: parse flags", err)
	}
	if *listen == "" {
		return nil, errs.New(errs.Config, "snet-server: -listen", errors.New("required"))
	}
	listenIP, listenPort, err := splitHostPort(*listen)
	if err != nil {
		return nil, errs.New(errs.Config, "snet-server: -listen", err)
	}
	if *key == "" && *keyFile == "" {
		return nil, errs.New(errs.Config, "snet-server: key", errors.New("one of -key or -key-file is required"))
	}

	return &ServerConfig{ListenIP: listenIP, ListenPort: listenPort, Key: *key, KeyFile: *keyFile}, nil
}

// LoadKey resolves the effective key: the contents of keyFile (trailing
// newline trimmed) take precedence when keyFile is non-empty, otherwise
// the raw bytes of key.
func LoadKey(key, keyFile string) ([]byte, error) {
	if keyFile == "" {
		return []byte(key), nil
	}
	b, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, errs.New(errs.Config, "config.LoadKey", err)
	}
	return bytes.TrimRight(b, "\n"), nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}

// KeyWatcher watches a key file for Write/Create events and invokes
// onChange with the newly re-read key whenever one occurs. Grounded on
// the teacher's internal/runtime/vfs/watch_fsnotify.go: an fsnotify
// watcher drained on its own goroutine, translated here into a single
// callback instead of a generic Events()/Errors() channel pair, since
// key rotation is this module's only consumer.
type KeyWatcher struct {
	w        *fsnotify.Watcher
	path     string
	onChange func([]byte)
	onError  func(error)
	done     chan struct{}
}

// WatchKeyFile starts watching path. onChange fires (on its own
// goroutine) with the freshly re-read key after every Write or Create
// event; onError fires for any watcher-internal error or read failure.
// Either callback may be nil.
func WatchKeyFile(path string, onChange func([]byte), onError func(error)) (*KeyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.New(errs.Config, "config.WatchKeyFile", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, errs.New(errs.Config, "config.WatchKeyFile", err)
	}

	kw := &KeyWatcher{w: w, path: path, onChange: onChange, onError: onError, done: make(chan struct{})}
	go kw.loop()
	return kw, nil
}

func (kw *KeyWatcher) loop() {
	defer close(kw.done)
	for {
		select {
		case ev, ok := <-kw.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			key, err := LoadKey("", kw.path)
			if err != nil {
				if kw.onError != nil {
					kw.onError(err)
				}
				continue
			}
			if kw.onChange != nil {
				kw.onChange(key)
			}
		case err, ok := <-kw.w.Errors:
			if !ok {
				return
			}
			if kw.onError != nil {
				kw.onError(errs.New(errs.Config, "config.KeyWatcher", err))
			}
		}
	}
}

// Close stops the watcher.
func (kw *KeyWatcher) Close() error { return kw.w.Close() }
