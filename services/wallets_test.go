package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateWalletAddressEVM(t *testing.T) {
	assert.NoError(t, ValidateWalletAddress("evm", "0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae"))
	assert.NoError(t, ValidateWalletAddress("ethereum", "0xDE0B295669a9FD93d5F28D9Ec85E40f4cb697BAe"))

	bad := []string{
		"",
		"de0b295669a9fd93d5f28d9ec85e40f4cb697bae",    // no 0x
		"0xde0b295669a9fd93d5f28d9ec85e40f4cb697ba",   // 39 hex chars
		"0xde0b295669a9fd93d5f28d9ec85e40f4cb697baez", // non-hex
	}
	for _, addr := range bad {
		assert.Errorf(t, ValidateWalletAddress("evm", addr), "address %q should be rejected", addr)
	}
}

func TestValidateWalletAddressSolana(t *testing.T) {
	assert.NoError(t, ValidateWalletAddress("solana", "Ae3kF8mQ1rT5xZ9bN4vC7sD2hJ6gW3pY8uK5nM1qR4tV"))
	assert.NoError(t, ValidateWalletAddress("sol", "11111111111111111111111111111112"))

	// base58 excludes 0, O, I and l
	assert.Error(t, ValidateWalletAddress("solana", "0OIl111111111111111111111111111111"))
	assert.Error(t, ValidateWalletAddress("solana", "short"))
}

func TestValidateWalletAddressUnsupportedChain(t *testing.T) {
	err := ValidateWalletAddress("dogecoin", "DH5yaieqoZN36fDVciNyRueRGvGLR3mr7L")
	assert.ErrorIs(t, err, ErrInvalidWalletAddress)
}
