package securestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecret(t *testing.T) {
	t.Run("creates secret from string", func(t *testing.T) {
		secret := NewSecret("api-credential")
		require.NotNil(t, secret)
		assert.True(t, secret.IsSet())
	})

	t.Run("empty string is not set", func(t *testing.T) {
		secret := NewSecret("")
		require.NotNil(t, secret)
		assert.False(t, secret.IsSet())
	})

	t.Run("nil secret is not set", func(t *testing.T) {
		var secret *Secret
		assert.False(t, secret.IsSet())
	})
}

func TestSecretAccess(t *testing.T) {
	t.Run("provides plaintext to the callback", func(t *testing.T) {
		secret := NewSecret("my-secret-value")

		var accessed []byte
		err := secret.Access(func(plaintext []byte) error {
			accessed = append([]byte(nil), plaintext...)
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, []byte("my-secret-value"), accessed)
	})

	t.Run("is repeatable", func(t *testing.T) {
		secret := NewSecret("temporary")

		for i := 0; i < 2; i++ {
			err := secret.Access(func(plaintext []byte) error {
				assert.Equal(t, []byte("temporary"), plaintext)
				return nil
			})
			require.NoError(t, err)
		}
	})

	t.Run("calls back with nil for unset secret", func(t *testing.T) {
		var secret *Secret
		called := false
		err := secret.Access(func(plaintext []byte) error {
			called = true
			assert.Nil(t, plaintext)
			return nil
		})

		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("propagates callback errors", func(t *testing.T) {
		secret := NewSecret("test")
		err := secret.Access(func(plaintext []byte) error {
			return assert.AnError
		})
		assert.Equal(t, assert.AnError, err)
	})
}

func TestEqualToConstantTime(t *testing.T) {
	secret := NewSecret("cluster-shared-key")

	assert.True(t, secret.EqualToConstantTime([]byte("cluster-shared-key")))
	assert.False(t, secret.EqualToConstantTime([]byte("cluster-shared-keX")))
	assert.False(t, secret.EqualToConstantTime([]byte("short")))

	var unset *Secret
	assert.True(t, unset.EqualToConstantTime(nil))
	assert.False(t, unset.EqualToConstantTime([]byte("something")))
}

func TestSecretConcurrency(t *testing.T) {
	secret := NewSecret("concurrent-secret")
	done := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- true }()
			err := secret.Access(func(plaintext []byte) error {
				assert.Equal(t, []byte("concurrent-secret"), plaintext)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
