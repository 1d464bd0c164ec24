package secret

// SecretStore provides a pluggable interface for storing sensitive data
// such as sink database passwords.
type SecretStore interface {
	// Set stores a secret value under the given key.
	Set(key string, value []byte) error

	// Get retrieves the secret value for the given key.
	// Returns empty slice and nil error if key does not exist.
	Get(key string) ([]byte, error)

	// Delete removes the secret for the given key.
	Delete(key string) error
}

// Chain consults stores in order. Get returns the first non-empty value;
// Set and Delete go to the first store only.
type Chain []SecretStore

func (c Chain) Get(key string) ([]byte, error) {
	for _, s := range c {
		v, err := s.Get(key)
		if err != nil {
			return nil, err
		}
		if len(v) > 0 {
			return v, nil
		}
	}
	return nil, nil
}

func (c Chain) Set(key string, value []byte) error {
	if len(c) == 0 {
		return nil
	}
	return c[0].Set(key, value)
}

func (c Chain) Delete(key string) error {
	if len(c) == 0 {
		return nil
	}
	return c[0].Delete(key)
}

// Static is an in-memory SecretStore, used for passwords given on the
// command line and in tests.
type Static map[string][]byte

func (s Static) Get(key string) ([]byte, error) { return s[key], nil }

func (s Static) Set(key string, value []byte) error {
	s[key] = value
	return nil
}

func (s Static) Delete(key string) error {
	delete(s, key)
	return nil
}
