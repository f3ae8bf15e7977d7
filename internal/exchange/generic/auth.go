// auth.go implements the two request-signing schemes the generic
// adapter supports, selected by AdapterConfig at construction time:
//
//   - hmac: the common "timestamp + method + path [+ body]"
//     HMAC-SHA256 scheme used by most centralized-exchange REST APIs.
//   - eip712: wallet-based typed-data signing for exchanges whose
//     order authentication is an on-chain signature rather than an
//     API secret.
package generic

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer produces the headers a request needs for this adapter's
// authentication scheme.
type Signer interface {
	Headers(method, path, body string) (map[string]string, error)
}

// HMACSigner implements the timestamp+method+path[+body] HMAC-SHA256
// scheme.
type HMACSigner struct {
	APIKey     string
	Secret     string
	Passphrase string
}

func NewHMACSigner(apiKey, secret, passphrase string) *HMACSigner {
	return &HMACSigner{APIKey: apiKey, Secret: secret, Passphrase: passphrase}
}

func (s *HMACSigner) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := s.sign(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("hmac sign: %w", err)
	}
	h := map[string]string{
		"X-API-KEY":   s.APIKey,
		"X-SIGNATURE": sig,
		"X-TIMESTAMP": timestamp,
	}
	if s.Passphrase != "" {
		h["X-PASSPHRASE"] = s.Passphrase
	}
	return h, nil
}

func (s *HMACSigner) sign(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding, base64.RawStdEncoding,
	}
	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(s.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		// Not base64 — treat as a raw shared secret, the common case
		// for centralized-exchange HMAC keys.
		secretBytes = []byte(s.Secret)
	}

	message := timestamp + method + path + body
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// EIP712Signer signs requests with a wallet private key, for exchanges
// that authenticate orders with an on-chain typed-data signature.
type EIP712Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	domainName string
}

// NewEIP712Signer parses a hex-encoded private key (with or without
// 0x prefix) and builds a signer for the given chain and typed-data domain.
func NewEIP712Signer(privateKeyHex string, chainID int64, domainName string) (*EIP712Signer, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	pk, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &EIP712Signer{
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
		chainID:    big.NewInt(chainID),
		domainName: domainName,
	}, nil
}

func (s *EIP712Signer) Address() common.Address { return s.address }

// Headers signs a per-request auth message. Unlike HMAC, EIP-712
// exchanges typically only need this once to bootstrap a session key;
// adapters that need per-request wallet signatures call SignTypedData directly.
func (s *EIP712Signer) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := s.signAuthMessage(timestamp)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"X-WALLET-ADDRESS": s.address.Hex(),
		"X-SIGNATURE":      sig,
		"X-TIMESTAMP":      timestamp,
	}, nil
}

func (s *EIP712Signer) signAuthMessage(timestamp string) (string, error) {
	sig, err := s.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:    s.domainName,
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Auth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
			},
		},
		apitypes.TypedDataMessage{
			"address":   s.address.Hex(),
			"timestamp": timestamp,
		},
		"Auth",
	)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// SignTypedData signs arbitrary EIP-712 typed data and normalizes the
// recovery id to 27/28, as most verifying contracts expect.
func (s *EIP712Signer) SignTypedData(domain *apitypes.TypedDataDomain, typesDef apitypes.Types, message apitypes.TypedDataMessage, primaryType string) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
