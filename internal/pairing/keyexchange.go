package pairing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/sync/singleflight"

	"github.com/petervdpas/tether/internal/proto"
)

// Key-exchange request status, mirrored for observers.
const (
	KXPending   = "pending"
	KXFulfilled = "fulfilled"
	KXExpired   = "expired"
)

// KeyExchangeRequest is the observable record of one handshake attempt. An
// expired request is never reused: a retry issues a fresh request id and a
// fresh ephemeral keypair.
type KeyExchangeRequest struct {
	RequestID string `json:"requestId"`
	CreatedAt int64  `json:"createdAt"`
	TimeoutAt int64  `json:"timeoutAt"`
	Status    string `json:"status"`
}

type keyExchanger struct {
	group singleflight.Group
}

// RequestKeyExchange asks the key-holding device for the E2EE key material
// and waits up to the configured timeout for the sealed response. Concurrent
// calls coalesce onto one in-flight request — exactly one outbound request
// reaches the relay no matter how many callers wait on it.
func (c *Coordinator) RequestKeyExchange(ctx context.Context) ([]byte, error) {
	sess := c.Session()
	if !sess.IsPaired() {
		return nil, ErrNotPaired
	}

	v, err, _ := c.kx.group.Do("keyexchange", func() (any, error) {
		return c.runKeyExchange(ctx, sess.DeviceID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// LastKeyExchange returns the most recent request record, if any.
func (c *Coordinator) LastKeyExchange() (KeyExchangeRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastKX == nil {
		return KeyExchangeRequest{}, false
	}
	return *c.lastKX, true
}

// runKeyExchange performs one handshake: generate an ephemeral box keypair,
// publish the request, wait for the matching sealed response, open it and
// persist the key material.
func (c *Coordinator) runKeyExchange(ctx context.Context, deviceID string) ([]byte, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate exchange keypair: %w", err)
	}

	// Subscribe before sending so the response cannot slip past us.
	events, cancel := c.tr.Subscribe()
	defer cancel()

	requestID := uuid.NewString()
	now := c.clock.Now()
	rec := &KeyExchangeRequest{
		RequestID: requestID,
		CreatedAt: now.UnixMilli(),
		TimeoutAt: now.Add(c.opt.KeyExchangeTimeout).UnixMilli(),
		Status:    KXPending,
	}
	c.mu.Lock()
	c.lastKX = rec
	c.mu.Unlock()

	err = c.tr.Send(ctx, proto.Command{
		Type: proto.CmdKeyRequest,
		Payload: proto.KeyRequest{
			RequestID:         requestID,
			RequesterDeviceID: deviceID,
			PublicKey:         pub[:],
		},
	})
	if err != nil {
		c.markKX(requestID, KXExpired)
		return nil, fmt.Errorf("send key request: %w", err)
	}
	log.Printf("PAIR: key exchange %s requested", requestID)

	timeout := c.clock.After(c.opt.KeyExchangeTimeout)
	for {
		select {
		case <-ctx.Done():
			c.markKX(requestID, KXExpired)
			return nil, ctx.Err()
		case <-timeout:
			c.markKX(requestID, KXExpired)
			return nil, ErrKeyExchangeTimeout
		case ev, ok := <-events:
			if !ok {
				c.markKX(requestID, KXExpired)
				return nil, errors.New("pairing: transport closed during key exchange")
			}
			if ev.Kind != proto.KindKeyResponse {
				continue
			}
			var resp proto.KeyResponse
			if err := json.Unmarshal(ev.Payload, &resp); err != nil {
				log.Printf("PAIR: bad key response payload: %v", err)
				continue
			}
			if resp.RequestID != requestID {
				continue // response for an expired earlier request
			}

			material, err := openKeyResponse(resp, priv)
			if err != nil {
				c.markKX(requestID, KXExpired)
				return nil, err
			}
			if err := c.db.SaveKeyMaterial(material); err != nil {
				return nil, fmt.Errorf("persist key material: %w", err)
			}
			c.markKX(requestID, KXFulfilled)
			log.Printf("PAIR: key exchange %s fulfilled", requestID)
			return material, nil
		}
	}
}

func (c *Coordinator) markKX(requestID, status string) {
	c.mu.Lock()
	if c.lastKX != nil && c.lastKX.RequestID == requestID {
		c.lastKX.Status = status
	}
	c.mu.Unlock()
}

// openKeyResponse unseals the key material: Sealed is nonce || box, sealed
// by the responder against our ephemeral public key.
func openKeyResponse(resp proto.KeyResponse, priv *[32]byte) ([]byte, error) {
	if len(resp.SenderKey) != 32 {
		return nil, errors.New("pairing: bad sender key length")
	}
	if len(resp.Sealed) < 24+box.Overhead {
		return nil, errors.New("pairing: sealed payload too short")
	}

	var senderKey [32]byte
	copy(senderKey[:], resp.SenderKey)
	var nonce [24]byte
	copy(nonce[:], resp.Sealed[:24])

	material, ok := box.Open(nil, resp.Sealed[24:], &nonce, &senderKey, priv)
	if !ok {
		return nil, errors.New("pairing: key material failed to open")
	}
	return material, nil
}

// SealKeyMaterial is the responder half of the handshake: the device holding
// the keys seals them against the requester's ephemeral public key. Exposed
// so the phone-side build of this engine can fulfill requests.
func SealKeyMaterial(material, requesterPub []byte) (proto.KeyResponse, error) {
	if len(requesterPub) != 32 {
		return proto.KeyResponse{}, errors.New("pairing: bad requester key length")
	}

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return proto.KeyResponse{}, err
	}

	var theirPub [32]byte
	copy(theirPub[:], requesterPub)
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return proto.KeyResponse{}, err
	}

	sealed := box.Seal(nonce[:], material, &nonce, &theirPub, priv)
	return proto.KeyResponse{
		SenderKey: pub[:],
		Sealed:    sealed,
	}, nil
}
