package inmemoryledger

import (
	"context"
	"fmt"

	"github.com/ark-network/escrowd/internal/core/ports"
)

func (l *Ledger) SubmitLock(ctx context.Context, req ports.LockingRequest) (*ports.Transaction, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if len(req.ControlProgram) <= 0 {
		return nil, fmt.Errorf("missing control program")
	}

	// change goes to a fresh receiver, created before taking the lock
	change, err := l.CreateReceiver(ctx, req.AccountId)
	if err != nil {
		return nil, err
	}

	l.lock.Lock()

	selected := make([]*ports.Output, 0)
	total := uint64(0)
	for _, tx := range l.history {
		for _, o := range tx.Outputs {
			out := l.outputs[o.Id]
			if out.Spent || out.AccountId != req.AccountId || out.AssetId != req.AssetId {
				continue
			}
			selected = append(selected, out)
			total += out.Amount
			if total >= req.Amount {
				break
			}
		}
		if total >= req.Amount {
			break
		}
	}
	if total < req.Amount {
		l.lock.Unlock()
		return nil, fmt.Errorf(
			"%w: account %s has %d of asset %s, needs %d",
			ports.ErrInsufficientFunds, req.AccountId, total, req.AssetId, req.Amount,
		)
	}

	tx := l.newTransaction(nil)
	for _, out := range selected {
		l.spendOutput(&tx, out, nil, nil)
	}
	l.addOutput(&tx, req.AssetId, req.Amount, req.ControlProgram, req.ReferenceData)
	if total > req.Amount {
		l.addOutput(&tx, req.AssetId, total-req.Amount, change.ControlProgram, nil)
	}
	l.history = append(l.history, tx)
	l.lock.Unlock()

	l.broadcast(tx)
	return &tx, nil
}

func (l *Ledger) SubmitUnlock(ctx context.Context, req ports.UnlockingRequest) (*ports.Transaction, error) {
	l.lock.Lock()

	out, ok := l.outputs[req.OutputId]
	if !ok {
		l.lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ports.ErrOutputNotFound, req.OutputId)
	}
	if out.Spent {
		l.lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ports.ErrOutputSpent, req.OutputId)
	}
	if err := l.validateUnlock(ctx, *out, req); err != nil {
		l.lock.Unlock()
		return nil, err
	}

	contract := req.Contract
	tx := l.newTransaction(req.ReferenceData)
	l.spendOutput(&tx, out, &contract, req.WitnessData())
	l.addOutput(&tx, out.AssetId, out.Amount, req.Destination, nil)
	l.history = append(l.history, tx)
	l.lock.Unlock()

	l.broadcast(tx)
	return &tx, nil
}
