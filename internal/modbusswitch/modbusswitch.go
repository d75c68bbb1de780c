// Package modbusswitch drives relays on a Modbus TCP relay board, one coil
// per relay.
package modbusswitch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog/log"
)

const (
	coilOn  uint16 = 0xff00
	coilOff uint16 = 0
)

type Config struct {
	Address string        `mapstructure:"address" json:"address"`
	SlaveID byte          `mapstructure:"slave_id" json:"slave_id"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// Coils is the subset of modbus.Client a relay board needs.
type Coils interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
}

// Board is one relay board shared by all of its switches. The connection is
// closed when the last switch is closed.
type Board struct {
	address string
	client  Coils
	close   func() error

	mu   sync.Mutex
	refs int
}

func Dial(cfg Config) (*Board, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("modbus relay board address is required")
	}
	handler := modbus.NewTCPClientHandler(cfg.Address)
	handler.SlaveId = cfg.SlaveID
	handler.Timeout = cfg.Timeout
	if handler.Timeout <= 0 {
		handler.Timeout = 5 * time.Second
	}
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("connect to relay board %s: %w", cfg.Address, err)
	}
	log.Info().Str("address", cfg.Address).Uint8("slave_id", cfg.SlaveID).Msg("Connected to modbus relay board")
	return NewBoard(cfg.Address, modbus.NewClient(handler), handler.Close), nil
}

func NewBoard(address string, client Coils, close func() error) *Board {
	return &Board{address: address, client: client, close: close}
}

// Switch returns the relay behind coil.
func (b *Board) Switch(name string, coil uint16) *Switch {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs++
	return &Switch{name: name, coil: coil, board: b}
}

// closeIfNeeded drops a broken connection; the TCP handler reconnects on the
// next request.
func (b *Board) closeIfNeeded(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrDeadlineExceeded) {
		log.Warn().Err(err).Str("address", b.address).Msg("Reconnecting to relay board")
		if cerr := b.close(); cerr != nil {
			log.Error().Err(cerr).Str("address", b.address).Msg("Error closing relay board connection")
		}
	}
}

func (b *Board) write(coil uint16, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	value := coilOff
	if on {
		value = coilOn
	}
	_, err := b.client.WriteSingleCoil(coil, value)
	if err != nil {
		b.closeIfNeeded(err)
		return fmt.Errorf("error writing coil %d value %#x: %w", coil, value, err)
	}
	return nil
}

func (b *Board) read(coil uint16) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.client.ReadCoils(coil, 1)
	if err != nil {
		b.closeIfNeeded(err)
		return false, fmt.Errorf("error reading coil %d: %w", coil, err)
	}
	if len(res) == 0 {
		return false, fmt.Errorf("empty response reading coil %d", coil)
	}
	return res[0]&0x01 == 1, nil
}

func (b *Board) release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs--
	if b.refs > 0 {
		return nil
	}
	log.Info().Str("address", b.address).Msg("Closing modbus relay board")
	return b.close()
}

type Switch struct {
	name   string
	coil   uint16
	board  *Board
	closed sync.Once
}

func (s *Switch) Name() string { return s.name }

// Set writes the coil and reads it back. The modbus client is synchronous,
// so ctx is only checked before the request.
func (s *Switch) Set(ctx context.Context, on bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.board.write(s.coil, on); err != nil {
		return false, fmt.Errorf("%s: %w", s.name, err)
	}
	state, err := s.board.read(s.coil)
	if err != nil {
		return false, fmt.Errorf("%s: %w", s.name, err)
	}
	if state != on {
		return state, fmt.Errorf("%s: coil %d reads %v after write of %v", s.name, s.coil, state, on)
	}
	return state, nil
}

func (s *Switch) State(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.board.read(s.coil)
}

func (s *Switch) Close() error {
	var err error
	s.closed.Do(func() { err = s.board.release() })
	return err
}
