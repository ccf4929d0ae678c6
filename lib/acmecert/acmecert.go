/*
Copyright 2025 Kiwi Platform Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package acmecert obtains wildcard TLS certificates over the ACME
// DNS-01 flow. Ordering and finalization are separate steps with a
// manual TXT record in between: the operator orders, publishes the
// returned record, then finalizes once DNS has propagated. Issued
// certificate and key are written under the config folder, where the
// supervisor watches them.
package acmecert

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/acme"

	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/secrets"
	"github.com/kiwilabs/kiwi/lib/utils"
)

// finalizeWaitTimeout bounds how long one finalization attempt waits
// for the CA to validate the TXT record before reporting pending.
const finalizeWaitTimeout = 30 * time.Second

// Challenge is what the operator needs to publish before an order can
// be finalized: one DNS TXT record.
type Challenge struct {
	// OrderURL identifies the pending order at the CA.
	OrderURL string `json:"order_url"`
	// RecordName is the fully qualified TXT record name.
	RecordName string `json:"record_name"`
	// RecordValue is the key authorization digest to publish.
	RecordValue string `json:"record_value"`
}

// CertificateInfo describes the certificate currently on disk.
type CertificateInfo struct {
	Issuer   string    `json:"issuer"`
	DNSNames []string  `json:"dns_names"`
	NotAfter time.Time `json:"not_after"`
}

// FinalizeOutcome reports how far a finalization attempt got.
type FinalizeOutcome string

const (
	// OutcomePending means the CA has not observed the TXT record yet;
	// the order survives and finalization can be retried.
	OutcomePending FinalizeOutcome = "pending"
	// OutcomeSuccess means the certificate was issued and saved.
	OutcomeSuccess FinalizeOutcome = "success"
)

// Manager drives the ACME account and order lifecycle. All operations
// serialize on one mutex; certificate issuance is rare and slow, and
// concurrent finalizations of the same order would race on disk.
type Manager struct {
	mu           sync.Mutex
	store        *secrets.Store
	configDir    string
	directoryURL string
	log          *slog.Logger

	client *acme.Client

	certPath string
	keyPath  string
	// keySeenAt is the private key file mtime last reported through
	// WasCertificateUpdated. The key is written before the certificate,
	// so its mtime is the rotation marker.
	keySeenAt time.Time
}

// NewManager builds a manager rooted at the config folder. No network
// traffic happens until the first order; the ACME account is registered
// lazily and persisted in the secrets store.
func NewManager(configDir, directoryURL string, store *secrets.Store, log *slog.Logger) *Manager {
	m := &Manager{
		store:        store,
		configDir:    configDir,
		directoryURL: directoryURL,
		log:          log.With("component", "acmecert"),
		certPath:     filepath.Join(configDir, defaults.TLSCertificateFile),
		keyPath:      filepath.Join(configDir, defaults.TLSPrivateKeyFile),
	}
	if info, err := os.Stat(m.keyPath); err == nil {
		m.keySeenAt = info.ModTime()
	}
	return m
}

// storedAccount is the ACME account blob kept in the secrets store.
type storedAccount struct {
	URI        string `json:"uri"`
	PrivateKey string `json:"private_key"`
}

// ensureClient restores the persisted ACME account or registers a new
// one. Callers must hold mu.
func (m *Manager) ensureClient(ctx context.Context) (*acme.Client, error) {
	if m.client != nil {
		return m.client, nil
	}

	if blob := m.store.LetsEncryptCredentials(); blob != "" {
		var account storedAccount
		if err := json.Unmarshal([]byte(blob), &account); err != nil {
			return nil, trace.Wrap(err, "parsing stored ACME account")
		}
		key, err := parseECPrivateKeyPEM(account.PrivateKey)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		m.client = &acme.Client{Key: key, DirectoryURL: m.directoryURL}
		return m.client, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client := &acme.Client{Key: key, DirectoryURL: m.directoryURL}
	account, err := client.Register(ctx, &acme.Account{}, acme.AcceptTOS)
	if err != nil {
		return nil, trace.Wrap(err, "registering ACME account")
	}

	keyPEM, err := encodeECPrivateKeyPEM(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	blob, err := json.Marshal(storedAccount{URI: account.URI, PrivateKey: keyPEM})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := m.store.SetLetsEncryptCredentials(string(blob)); err != nil {
		return nil, trace.Wrap(err)
	}
	m.log.InfoContext(ctx, "registered ACME account", "uri", account.URI)

	m.client = client
	return client, nil
}

// OrderNewCertificate opens a wildcard order for *.domain and returns
// the TXT record the operator must publish.
func (m *Manager) OrderNewCertificate(ctx context.Context, domain string) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := m.ensureClient(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs("*."+domain))
	if err != nil {
		return nil, trace.Wrap(err, "opening certificate order")
	}

	challenge, err := m.challengeForOrder(ctx, client, order)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.log.InfoContext(ctx, "opened certificate order",
		"order", order.URI, "record", challenge.RecordName)
	return challenge, nil
}

// GetPendingChallenge re-derives the TXT record for an order that was
// opened earlier. Returns CompareFailed when the order has moved past
// pending and can no longer be satisfied by publishing the record.
func (m *Manager) GetPendingChallenge(ctx context.Context, orderURL string) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := m.ensureClient(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	order, err := client.GetOrder(ctx, orderURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	challenge, err := m.challengeForOrder(ctx, client, order)
	return challenge, trace.Wrap(err)
}

// domainFromOrder recovers the bare domain from the order's wildcard
// identifier.
func domainFromOrder(order *acme.Order) (string, error) {
	for _, id := range order.Identifiers {
		if id.Type == "dns" {
			return strings.TrimPrefix(id.Value, "*."), nil
		}
	}
	return "", trace.BadParameter("order carries no dns identifier")
}

// challengeForOrder walks the order's authorizations to the dns-01
// challenge and computes its TXT value. Callers must hold mu.
func (m *Manager) challengeForOrder(ctx context.Context, client *acme.Client, order *acme.Order) (*Challenge, error) {
	if order.Status != acme.StatusPending {
		return nil, trace.CompareFailed("certificate order is %v, not pending", order.Status)
	}
	domain, err := domainFromOrder(order)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, authzURL := range order.AuthzURLs {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if authz.Status != acme.StatusPending {
			continue
		}
		for _, ch := range authz.Challenges {
			if ch.Type != "dns-01" {
				continue
			}
			value, err := client.DNS01ChallengeRecord(ch.Token)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return &Challenge{
				OrderURL:    order.URI,
				RecordName:  "_acme-challenge." + domain,
				RecordValue: value,
			}, nil
		}
		return nil, trace.NotFound("authorization offers no dns-01 challenge")
	}
	return nil, trace.NotFound("order has no pending authorization")
}

// FinalizeAndSaveCertificate tells the CA to validate the published TXT
// record, finalizes the order and writes certificate and key under the
// config folder. Returns OutcomePending when the CA cannot see the
// record yet; the order stays open and the call can be repeated.
func (m *Manager) FinalizeAndSaveCertificate(ctx context.Context, orderURL string) (FinalizeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := m.ensureClient(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}

	order, err := client.GetOrder(ctx, orderURL)
	if err != nil {
		return "", trace.Wrap(err)
	}
	domain, err := domainFromOrder(order)
	if err != nil {
		return "", trace.Wrap(err)
	}

	switch order.Status {
	case acme.StatusPending:
		if err := m.acceptChallenges(ctx, client, order); err != nil {
			return "", trace.Wrap(err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, finalizeWaitTimeout)
		defer cancel()
		order, err = client.WaitOrder(waitCtx, orderURL)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return OutcomePending, nil
			}
			return "", trace.Wrap(err, "certificate order validation failed")
		}
	case acme.StatusReady:
	case acme.StatusValid:
	default:
		return "", trace.CompareFailed("certificate order is %v and cannot be finalized", order.Status)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", trace.Wrap(err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: []string{"*." + domain},
	}, certKey)
	if err != nil {
		return "", trace.Wrap(err)
	}

	chain, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return "", trace.Wrap(err, "finalizing certificate order")
	}

	if err := m.saveCertificate(chain, certKey); err != nil {
		return "", trace.Wrap(err)
	}
	m.log.InfoContext(ctx, "certificate issued and saved", "domain", "*."+domain)
	return OutcomeSuccess, nil
}

// acceptChallenges tells the CA to validate every pending dns-01
// challenge of the order.
func (m *Manager) acceptChallenges(ctx context.Context, client *acme.Client, order *acme.Order) error {
	for _, authzURL := range order.AuthzURLs {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return trace.Wrap(err)
		}
		if authz.Status != acme.StatusPending {
			continue
		}
		for _, ch := range authz.Challenges {
			if ch.Type != "dns-01" || ch.Status != acme.StatusPending {
				continue
			}
			if _, err := client.Accept(ctx, ch); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	return nil
}

// saveCertificate writes the issued chain and key atomically. Callers
// must hold mu.
func (m *Manager) saveCertificate(chain [][]byte, key *ecdsa.PrivateKey) error {
	var certPEM []byte
	for _, der := range chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{
			Type: "CERTIFICATE", Bytes: der,
		})...)
	}
	keyPEM, err := encodeECPrivateKeyPEM(key)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := utils.AtomicWriteFile(m.keyPath, []byte(keyPEM), 0o600); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.AtomicWriteFile(m.certPath, certPEM, 0o600))
}

// SaveCertificatePEM installs an externally produced certificate and
// key, the self-signed localhost fallback included.
func (m *Manager) SaveCertificatePEM(certPEM, keyPEM []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := utils.AtomicWriteFile(m.keyPath, keyPEM, 0o600); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.AtomicWriteFile(m.certPath, certPEM, 0o600))
}

// HasCertificate reports whether a certificate and key pair is on disk.
func (m *Manager) HasCertificate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, path := range []string{m.certPath, m.keyPath} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// CertificatePaths returns the on-disk certificate and key locations.
func (m *Manager) CertificatePaths() (certPath, keyPath string) {
	return m.certPath, m.keyPath
}

// WasCertificateUpdated reports, once per change, whether the TLS
// private key was rewritten since the last call. The supervisor polls
// this to know when to restart the listener.
func (m *Manager) WasCertificateUpdated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, err := os.Stat(m.keyPath)
	if err != nil {
		return false
	}
	if info.ModTime().Equal(m.keySeenAt) {
		return false
	}
	m.keySeenAt = info.ModTime()
	return true
}

// GetCertificateInfo parses the certificate on disk.
func (m *Manager) GetCertificateInfo() (*CertificateInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no certificate installed")
		}
		return nil, trace.ConvertSystemError(err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, trace.BadParameter("certificate file holds no PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &CertificateInfo{
		Issuer:   cert.Issuer.String(),
		DNSNames: cert.DNSNames,
		NotAfter: cert.NotAfter,
	}, nil
}

func encodeECPrivateKeyPEM(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), nil
}

func parseECPrivateKeyPEM(pemData string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, trace.BadParameter("stored ACME account key is not an EC private key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	return key, trace.Wrap(err)
}
