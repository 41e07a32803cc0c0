package zmq

import (
	"fmt"
	"os"

	"github.com/pebbe/zmq4"
	"gopkg.in/yaml.v3"
)

// curveDomain is the ZAP domain the hub's sockets authenticate in
const curveDomain = "*"

// CurveConfig enables CurveZMQ encryption. Both sides keep their own key pair
// in KeyFile, created on first start. Connecting peers also need the public
// key of the side that binds.
type CurveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	KeyFile   string `yaml:"key_file"`
	ServerKey string `yaml:"server_key,omitempty"` // connect mode only
}

// KeyPair is a Z85 encoded CurveZMQ key pair
type KeyPair struct {
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
}

// GenerateKeyPair creates a new CurveZMQ key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := zmq4.NewCurveKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CurveZMQ keypair: %w", err)
	}
	return &KeyPair{PublicKey: publicKey, PrivateKey: privateKey}, nil
}

// LoadOrGenerateKeys reads the key pair in keyFile, creating the file with a
// fresh pair when it does not exist
func LoadOrGenerateKeys(keyFile string) (*KeyPair, error) {
	if _, err := os.Stat(keyFile); err == nil {
		return LoadKeys(keyFile)
	}

	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeys(keys, keyFile); err != nil {
		return nil, err
	}
	return keys, nil
}

// LoadKeys reads a YAML key file
func LoadKeys(keyFile string) (*KeyPair, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var keys KeyPair
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	if err := keys.Validate(); err != nil {
		return nil, fmt.Errorf("invalid keys in %s: %w", keyFile, err)
	}
	return &keys, nil
}

// SaveKeys writes keys readable by the owner only
func SaveKeys(keys *KeyPair, keyFile string) error {
	data, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}
	if err := os.WriteFile(keyFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Validate checks both halves of the pair
func (k *KeyPair) Validate() error {
	if err := ValidateKey(k.PublicKey); err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	if err := ValidateKey(k.PrivateKey); err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	return nil
}

// ValidateKey checks that key is a Z85 encoded 32 byte CurveZMQ key
func ValidateKey(key string) error {
	if len(key) != 40 {
		return fmt.Errorf("expected 40 characters, got %d", len(key))
	}
	if len(zmq4.Z85decode(key)) != 32 {
		return fmt.Errorf("not a Z85 encoded key")
	}
	return nil
}

// secure applies the CurveZMQ role to socket. Binding sockets act as the
// server, connecting sockets as clients of ServerKey.
func (p *Provider) secure(socket *zmq4.Socket) error {
	if p.keys == nil {
		return nil
	}
	if p.config.Bind {
		if err := socket.ServerAuthCurve(curveDomain, p.keys.PrivateKey); err != nil {
			return fmt.Errorf("failed to configure CurveZMQ server: %w", err)
		}
		return nil
	}
	if err := socket.ClientAuthCurve(p.config.Curve.ServerKey, p.keys.PublicKey, p.keys.PrivateKey); err != nil {
		return fmt.Errorf("failed to configure CurveZMQ client: %w", err)
	}
	return nil
}

// Validate checks the endpoint and security settings
func (c Config) Validate() error {
	if c.PublishEndpoint == "" {
		return fmt.Errorf("publish_endpoint is required")
	}
	if c.SubscribeEndpoint == "" {
		return fmt.Errorf("subscribe_endpoint is required")
	}
	if !c.Curve.Enabled {
		return nil
	}
	if c.Curve.KeyFile == "" {
		return fmt.Errorf("curve.key_file is required when curve is enabled")
	}
	if !c.Bind {
		if err := ValidateKey(c.Curve.ServerKey); err != nil {
			return fmt.Errorf("curve.server_key: %w", err)
		}
	}
	return nil
}
