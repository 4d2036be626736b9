package voting

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/voterd/voterd/internal/governance"
)

// The sequencer verifies votes against this fixed domain.
const (
	snapshotDomainName    = "snapshot"
	snapshotDomainVersion = "0.1.4"
)

// VoteTypedData builds the EIP-712 structure the Snapshot sequencer
// expects for a single-choice vote. The proposal field is typed bytes32
// when the id is a 32-byte hex value and string otherwise; the sequencer
// rejects the envelope if the type does not match the id format.
func VoteTypedData(p *governance.Proposal, voter string, choice int, ts time.Time) apitypes.TypedData {
	proposalType := "string"
	if p.HasBytes32ID() {
		proposalType = "bytes32"
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
			},
			"Vote": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "space", Type: "string"},
				{Name: "timestamp", Type: "uint64"},
				{Name: "proposal", Type: proposalType},
				{Name: "choice", Type: "uint32"},
				{Name: "reason", Type: "string"},
				{Name: "app", Type: "string"},
				{Name: "metadata", Type: "string"},
			},
		},
		Domain: apitypes.TypedDataDomain{
			Name:    snapshotDomainName,
			Version: snapshotDomainVersion,
		},
		PrimaryType: "Vote",
		Message: apitypes.TypedDataMessage{
			"from":      voter,
			"space":     p.SpaceID,
			"timestamp": fmt.Sprintf("%d", ts.Unix()),
			"proposal":  p.ID,
			"choice":    fmt.Sprintf("%d", choice),
			"reason":    "",
			"app":       "voterd",
			"metadata":  "{}",
		},
	}
}

// SignVote hashes the typed data and signs it with the identity,
// returning the envelope body for the sequencer POST.
func SignVote(id *Identity, p *governance.Proposal, choice int, ts time.Time) (map[string]any, error) {
	td := VoteTypedData(p, id.Address().Hex(), choice, ts)
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash vote typed data: %w", err)
	}
	sig, err := id.SignDigest(digest)
	if err != nil {
		return nil, fmt.Errorf("sign vote: %w", err)
	}
	return map[string]any{
		"address": id.Address().Hex(),
		"sig":     hexutil.Encode(sig),
		"data": map[string]any{
			"domain":      td.Domain,
			"types":       map[string]any{"Vote": td.Types["Vote"]},
			"message":     td.Message,
			"primaryType": td.PrimaryType,
		},
	}, nil
}
