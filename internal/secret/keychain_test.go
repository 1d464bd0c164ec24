package secret

import (
	"os/exec"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKeychain records the security invocations and answers from items.
type fakeKeychain struct {
	calls [][]string
	items map[string]string
	fail  error
}

func (f *fakeKeychain) run(args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	if f.fail != nil {
		return nil, f.fail
	}
	account := args[2]
	switch args[0] {
	case "find-generic-password":
		v, ok := f.items[account]
		if !ok {
			return nil, exitStatus(itemNotFound)
		}
		return []byte(v + "\n"), nil
	case "add-generic-password":
		f.items[account] = args[6]
	case "delete-generic-password":
		if _, ok := f.items[account]; !ok {
			return nil, exitStatus(itemNotFound)
		}
		delete(f.items, account)
	}
	return nil, nil
}

func exitStatus(code int) error {
	return exec.Command("sh", "-c", "exit "+strconv.Itoa(code)).Run()
}

func TestKeychain_RoundTrip(t *testing.T) {
	f := &fakeKeychain{items: map[string]string{}}
	k := &Keychain{Service: KeychainService, run: f.run}

	v, err := k.Get("postgres/root/localhost/ny_taxi")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, k.Set("postgres/root/localhost/ny_taxi", []byte("root")))
	assert.Equal(t, []string{"add-generic-password", "-a", "postgres/root/localhost/ny_taxi", "-s", "tripload", "-w", "root", "-U"}, f.calls[1])

	v, err = k.Get("postgres/root/localhost/ny_taxi")
	require.NoError(t, err)
	assert.Equal(t, "root", string(v))

	require.NoError(t, k.Delete("postgres/root/localhost/ny_taxi"))
	require.NoError(t, k.Delete("postgres/root/localhost/ny_taxi"))
	v, err = k.Get("postgres/root/localhost/ny_taxi")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestKeychain_ToolMissingIsEmpty(t *testing.T) {
	f := &fakeKeychain{fail: &exec.Error{Name: "security", Err: exec.ErrNotFound}}
	k := &Keychain{Service: KeychainService, run: f.run}

	v, err := k.Get("mysql/root/db/ny")
	require.NoError(t, err)
	assert.Empty(t, v)
	assert.NoError(t, k.Delete("mysql/root/db/ny"))
	assert.Error(t, k.Set("mysql/root/db/ny", []byte("x")))
}

func TestKeychain_OtherFailuresSurface(t *testing.T) {
	f := &fakeKeychain{fail: errors.Wrap(exitStatus(51), "User interaction is not allowed.")}
	k := &Keychain{Service: KeychainService, run: f.run}

	_, err := k.Get("mysql/root/db/ny")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keychain lookup mysql/root/db/ny")
	assert.Contains(t, err.Error(), "User interaction is not allowed.")
	assert.Error(t, k.Delete("mysql/root/db/ny"))
}
