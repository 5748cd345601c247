// Package statereader reads the current on-chain state of a template contract
// into a flat snapshot keyed by state field name.
package statereader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jquan18/Civitas-sub001/pkg/templates"
)

var ErrUnknownTemplate = errors.New("unknown template")

// Snapshot maps every state field of a template to its rendered value, or nil
// when the field could not be read.
type Snapshot map[string]any

// ChainReader performs one zero-argument view call.
type ChainReader interface {
	Read(ctx context.Context, chainID int64, address common.Address, contractABI *abi.ABI, method string) ([]any, error)
}

type TemplateResolver interface {
	Lookup(id string) (*templates.Definition, bool)
}

type Reader struct {
	templates    TemplateResolver
	chain        ChainReader
	log          *zap.Logger
	fieldTimeout time.Duration
}

type Option func(*Reader)

// WithFieldTimeout bounds every individual field read. Zero disables the bound.
func WithFieldTimeout(d time.Duration) Option {
	return func(r *Reader) { r.fieldTimeout = d }
}

func New(resolver TemplateResolver, chain ChainReader, log *zap.Logger, opts ...Option) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reader{templates: resolver, chain: chain, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadState reads every state field of templateID from the contract at address.
//
// Fields are read concurrently and independently. A field whose read or decode
// fails is logged and recorded as nil; it never fails the call. The only error
// is ErrUnknownTemplate, returned before any chain read is issued.
func (r *Reader) ReadState(ctx context.Context, chainID int64, address common.Address, templateID string) (Snapshot, error) {
	def, ok := r.templates.Lookup(templateID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateID)
	}

	values := make([]any, len(def.StateFields))
	var eg errgroup.Group
	for i, field := range def.StateFields {
		eg.Go(func() error {
			v, err := r.readField(ctx, chainID, address, def, field)
			if err != nil {
				r.log.Warn(
					"Failed to read contract state field",
					zap.String("contract_address", address.Hex()),
					zap.String("template_id", def.ID),
					zap.Int64("chain_id", chainID),
					zap.String("field", field.Name),
					zap.Error(err),
				)
				return nil
			}
			values[i] = v
			return nil
		})
	}
	_ = eg.Wait()

	snap := make(Snapshot, len(def.StateFields))
	for i, field := range def.StateFields {
		snap[field.Name] = values[i]
	}
	return snap, nil
}

func (r *Reader) readField(ctx context.Context, chainID int64, address common.Address, def *templates.Definition, field templates.StateField) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic reading %s: %v", field.Name, p)
		}
	}()
	if r.fieldTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.fieldTimeout)
		defer cancel()
	}
	outputs, err := r.chain.Read(ctx, chainID, address, def.ABI, field.Name)
	if err != nil {
		return nil, err
	}
	return field.Decode(outputs)
}

// Nulls counts the fields that could not be read.
func (s Snapshot) Nulls() int {
	n := 0
	for _, v := range s {
		if v == nil {
			n++
		}
	}
	return n
}
