package chain

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"Paylane/internal/channel"
)

// InfoView is the JSON form of ChannelInfo used by the ledger HTTP API.
type InfoView struct {
	Kind            string `json:"kind"`
	BalanceA        string `json:"balanceA,omitempty"`
	BalanceTotal    string `json:"balanceTotal,omitempty"`
	SettlementRound uint64 `json:"settlementRound,omitempty"`
	Iteration       uint64 `json:"iteration"`
	Initiator       string `json:"initiator,omitempty"`
	Funder          string `json:"funder,omitempty"`
}

// EventView is the JSON form of Event.
type EventView struct {
	Kind    string   `json:"kind"`
	Channel string   `json:"channel"`
	Tx      string   `json:"tx"`
	Info    InfoView `json:"info"`
}

// ViewOf converts a ChannelInfo to its JSON form.
func ViewOf(info ChannelInfo) InfoView {
	v := InfoView{Kind: channel.KindUninitialized.String(), Iteration: info.Iteration}

	if info.State == nil {
		return v
	}

	v.Kind = info.State.Kind().String()

	if a, total, err := channel.Balances(info.State); err == nil {
		v.BalanceA = a.Dec()
		v.BalanceTotal = total.Dec()
	}

	if p, ok := info.State.(channel.PendingSettlement); ok {
		v.SettlementRound = p.SettlementRound
	}

	if info.Initiator != (channel.Address{}) {
		v.Initiator = info.Initiator.Hex()
	}

	if info.Funder != (channel.Address{}) {
		v.Funder = info.Funder.Hex()
	}

	return v
}

// Info converts the JSON form back to ChannelInfo.
func (v InfoView) Info() (ChannelInfo, error) {
	info := ChannelInfo{Iteration: v.Iteration}

	if v.Initiator != "" {
		if !common.IsHexAddress(v.Initiator) {
			return info, fmt.Errorf("invalid initiator %q", v.Initiator)
		}
		info.Initiator = common.HexToAddress(v.Initiator)
	}

	if v.Funder != "" {
		if !common.IsHexAddress(v.Funder) {
			return info, fmt.Errorf("invalid funder %q", v.Funder)
		}
		info.Funder = common.HexToAddress(v.Funder)
	}

	if v.Kind == channel.KindUninitialized.String() {
		info.State = channel.Uninitialized{}
		return info, nil
	}

	var a, total channel.Balance
	if err := a.SetFromDecimal(v.BalanceA); err != nil {
		return info, fmt.Errorf("invalid balanceA:\n%w", err)
	}

	if err := total.SetFromDecimal(v.BalanceTotal); err != nil {
		return info, fmt.Errorf("invalid balanceTotal:\n%w", err)
	}

	var err error
	switch v.Kind {
	case channel.KindFunded.String():
		info.State, err = channel.NewFunded(a, total)
	case channel.KindActive.String():
		info.State, err = channel.NewActive(a, total)
	case channel.KindPendingSettlement.String():
		info.State, err = channel.NewPendingSettlement(a, total, v.SettlementRound)
	default:
		return info, fmt.Errorf("unknown channel kind %q", v.Kind)
	}

	return info, err
}

// ViewOfEvent converts an Event to its JSON form.
func ViewOfEvent(ev Event) EventView {
	return EventView{
		Kind:    ev.Kind.String(),
		Channel: ev.Channel.String(),
		Tx:      ev.Tx.String(),
		Info:    ViewOf(ev.Info),
	}
}

// Event converts the JSON form back to an Event.
func (v EventView) Event() (Event, error) {
	kind, err := ParseEventKind(v.Kind)
	if err != nil {
		return Event{}, err
	}

	id, ok := channel.ParseID(v.Channel)
	if !ok {
		return Event{}, fmt.Errorf("invalid channel %q", v.Channel)
	}

	raw, err := hex.DecodeString(v.Tx)
	if err != nil || len(raw) != len(TxHash{}) {
		return Event{}, fmt.Errorf("invalid tx hash %q", v.Tx)
	}

	var tx TxHash
	copy(tx[:], raw)

	info, err := v.Info.Info()
	if err != nil {
		return Event{}, err
	}

	return Event{Kind: kind, Channel: id, Tx: tx, Info: info}, nil
}
