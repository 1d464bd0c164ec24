package secret

import (
	"bytes"
	"os/exec"

	"github.com/pkg/errors"
)

// KeychainService is the service name every saved sink password is filed under.
const KeychainService = "tripload"

// itemNotFound is the exit status of security(1) for a missing item.
const itemNotFound = 44

// runFunc runs the security tool with args and returns its stdout.
type runFunc func(args ...string) ([]byte, error)

// Keychain keeps sink passwords in the macOS login keychain as generic
// passwords, with the connection's secret key as the account name.
// Where the security tool is not installed it behaves as an empty store.
type Keychain struct {
	Service string
	run     runFunc
}

// NewKeychain returns a Keychain filing items under KeychainService.
func NewKeychain() *Keychain {
	return &Keychain{Service: KeychainService, run: security}
}

func security(args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.Command("security", args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		return out, errors.Wrap(err, string(bytes.TrimSpace(stderr.Bytes())))
	}
	return out, err
}

// missing reports whether err means the item or the tool itself is absent.
func missing(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var exit *exec.ExitError
	return errors.As(err, &exit) && exit.ExitCode() == itemNotFound
}

func (k *Keychain) item(op, key string, extra ...string) []string {
	return append([]string{op, "-a", key, "-s", k.Service}, extra...)
}

func (k *Keychain) Get(key string) ([]byte, error) {
	out, err := k.run(k.item("find-generic-password", key, "-w")...)
	if missing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "keychain lookup %s", key)
	}
	return bytes.TrimRight(out, "\r\n"), nil
}

// Set adds the item or overwrites the password of an existing one.
func (k *Keychain) Set(key string, value []byte) error {
	if _, err := k.run(k.item("add-generic-password", key, "-w", string(value), "-U")...); err != nil {
		return errors.Wrapf(err, "keychain save %s", key)
	}
	return nil
}

// Delete is a no-op for an item that does not exist.
func (k *Keychain) Delete(key string) error {
	_, err := k.run(k.item("delete-generic-password", key)...)
	if err != nil && !missing(err) {
		return errors.Wrapf(err, "keychain delete %s", key)
	}
	return nil
}
