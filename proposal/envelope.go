package proposal

import (
	"crypto/rand"
	"math"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/orderer"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/fabclient/fabclient/errs"
	"github.com/fabclient/fabclient/identity"
)

// NewTransactionEnvelope wraps endorsed proposal responses into the
// signed envelope handed to the orderer. All responses must carry the
// same proposal response payload; consistency across them is the
// channel's job and is validated before this is called.
func NewTransactionEnvelope(built *Built, responses []*peer.ProposalResponse, signer *identity.SigningIdentity) (*common.Envelope, error) {
	if built == nil {
		return nil, errs.New(errs.Argument, "built proposal is nil")
	}
	if len(responses) == 0 {
		return nil, errs.New(errs.Argument, "no endorsement responses")
	}

	endorsements := make([]*peer.Endorsement, 0, len(responses))
	for _, r := range responses {
		if r.Endorsement == nil {
			return nil, errs.New(errs.Transaction, "response carries no endorsement").WithTxID(built.TxID)
		}
		endorsements = append(endorsements, r.Endorsement)
	}

	capBytes, err := proto.Marshal(&peer.ChaincodeActionPayload{
		ChaincodeProposalPayload: built.TxPayload,
		Action: &peer.ChaincodeEndorsedAction{
			ProposalResponsePayload: responses[0].Payload,
			Endorsements:            endorsements,
		},
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal chaincode action payload")
	}

	txBytes, err := proto.Marshal(&peer.Transaction{
		Actions: []*peer.TransactionAction{
			{Header: built.Header.SignatureHeader, Payload: capBytes},
		},
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal transaction")
	}

	payload, err := proto.Marshal(&common.Payload{Header: built.Header, Data: txBytes})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal payload")
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}

	return &common.Envelope{Payload: payload, Signature: sig}, nil
}

// SeekPosition selectors for deliver streams.
type seekTarget struct {
	start *orderer.SeekPosition
	stop  *orderer.SeekPosition
}

func seekNewest() seekTarget {
	newest := &orderer.SeekPosition{Type: &orderer.SeekPosition_Newest{Newest: &orderer.SeekNewest{}}}
	return seekTarget{start: newest, stop: newest}
}

func seekFrom(block uint64) seekTarget {
	return seekTarget{
		start: &orderer.SeekPosition{Type: &orderer.SeekPosition_Specified{Specified: &orderer.SeekSpecified{Number: block}}},
		stop:  &orderer.SeekPosition{Type: &orderer.SeekPosition_Specified{Specified: &orderer.SeekSpecified{Number: math.MaxUint64}}},
	}
}

func seekSingle(block uint64) seekTarget {
	pos := &orderer.SeekPosition{Type: &orderer.SeekPosition_Specified{Specified: &orderer.SeekSpecified{Number: block}}}
	return seekTarget{start: pos, stop: pos}
}

// NewSeekEnvelope builds the signed subscription envelope for a deliver
// stream. start 0 with seen=false seeks NEWEST; otherwise the stream
// replays from start onwards (open-ended).
func NewSeekEnvelope(signer *identity.SigningIdentity, channel string, start uint64, seen bool, tlsCertHash []byte) (*common.Envelope, error) {
	target := seekNewest()
	if seen || start > 0 {
		target = seekFrom(start)
	}
	return seekEnvelope(signer, channel, target, tlsCertHash)
}

// NewConfigSeekEnvelope requests exactly one block: the genesis block
// for block 0, or any specific config block.
func NewConfigSeekEnvelope(signer *identity.SigningIdentity, channel string, block uint64, tlsCertHash []byte) (*common.Envelope, error) {
	return seekEnvelope(signer, channel, seekSingle(block), tlsCertHash)
}

// NewNewestSeekEnvelope requests just the latest block of the channel.
func NewNewestSeekEnvelope(signer *identity.SigningIdentity, channel string, tlsCertHash []byte) (*common.Envelope, error) {
	return seekEnvelope(signer, channel, seekNewest(), tlsCertHash)
}

func seekEnvelope(signer *identity.SigningIdentity, channel string, target seekTarget, tlsCertHash []byte) (*common.Envelope, error) {
	if channel == "" {
		return nil, errs.New(errs.Argument, "channel id is blank")
	}
	seekBytes, err := proto.Marshal(&orderer.SeekInfo{
		Start:    target.start,
		Stop:     target.stop,
		Behavior: orderer.SeekInfo_BLOCK_UNTIL_READY,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal seek info")
	}

	creator, err := signer.Serialize()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "generate nonce")
	}

	tm := timestamppb.Now()
	tm.Nanos = 0
	cHdrBytes, err := proto.Marshal(&common.ChannelHeader{
		Type:        int32(common.HeaderType_DELIVER_SEEK_INFO),
		Timestamp:   tm,
		ChannelId:   channel,
		TlsCertHash: tlsCertHash,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal channel header")
	}
	sHdrBytes, err := proto.Marshal(&common.SignatureHeader{Creator: creator, Nonce: nonce})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal signature header")
	}

	payload, err := proto.Marshal(&common.Payload{
		Header: &common.Header{ChannelHeader: cHdrBytes, SignatureHeader: sHdrBytes},
		Data:   seekBytes,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal payload")
	}

	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	return &common.Envelope{Payload: payload, Signature: sig}, nil
}

// NewConfigUpdateEnvelope wraps a marshalled ConfigUpdate plus the
// admin signatures collected for it into the CONFIG_UPDATE envelope
// broadcast when joining or reconfiguring a channel.
func NewConfigUpdateEnvelope(signer *identity.SigningIdentity, channel string, configUpdate []byte, signatures []*common.ConfigSignature) (*common.Envelope, error) {
	if channel == "" {
		return nil, errs.New(errs.Argument, "channel id is blank")
	}
	if len(configUpdate) == 0 {
		return nil, errs.New(errs.Argument, "config update is empty")
	}

	creator, err := signer.Serialize()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "generate nonce")
	}

	// the submitter countersigns the config update alongside the admins
	sigHdr, err := proto.Marshal(&common.SignatureHeader{Creator: creator, Nonce: nonce})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal signature header")
	}
	ownSig, err := signer.Sign(append(sigHdr, configUpdate...))
	if err != nil {
		return nil, err
	}
	signatures = append(signatures, &common.ConfigSignature{
		SignatureHeader: sigHdr,
		Signature:       ownSig,
	})

	cueBytes, err := proto.Marshal(&common.ConfigUpdateEnvelope{
		ConfigUpdate: configUpdate,
		Signatures:   signatures,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal config update envelope")
	}

	tm := timestamppb.Now()
	tm.Nanos = 0
	cHdrBytes, err := proto.Marshal(&common.ChannelHeader{
		Type:      int32(common.HeaderType_CONFIG_UPDATE),
		Timestamp: tm,
		ChannelId: channel,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal channel header")
	}
	envNonce := make([]byte, nonceLen)
	if _, err := rand.Read(envNonce); err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "generate nonce")
	}
	envSigHdr, err := proto.Marshal(&common.SignatureHeader{Creator: creator, Nonce: envNonce})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal signature header")
	}

	payload, err := proto.Marshal(&common.Payload{
		Header: &common.Header{ChannelHeader: cHdrBytes, SignatureHeader: envSigHdr},
		Data:   cueBytes,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal payload")
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	return &common.Envelope{Payload: payload, Signature: sig}, nil
}
