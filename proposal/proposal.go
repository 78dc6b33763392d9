// Package proposal assembles signed proposals and transaction
// envelopes for the endorse -> order -> commit pipeline. The builder
// dispatches on Kind rather than subtyping: install, instantiate and
// upgrade go through LSCC, invoke and query carry the caller's
// invocation spec directly.
package proposal

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/fabclient/fabclient/cryptosuite"
	"github.com/fabclient/fabclient/errs"
	"github.com/fabclient/fabclient/identity"
)

type Kind int

const (
	Install Kind = iota + 1
	Instantiate
	Upgrade
	Invoke
	Query
)

func (k Kind) String() string {
	switch k {
	case Install:
		return "install"
	case Instantiate:
		return "instantiate"
	case Upgrade:
		return "upgrade"
	case Invoke:
		return "invoke"
	case Query:
		return "query"
	}
	return "unknown"
}

// lsccName is the lifecycle system chaincode handling install, deploy
// and upgrade.
const lsccName = "lscc"

const nonceLen = 24

// ChaincodeType maps a chaincode language name onto the protobuf spec
// type. Unknown names are an argument error.
func ChaincodeType(name string) (peer.ChaincodeSpec_Type, error) {
	switch strings.ToLower(name) {
	case "", "golang", "go":
		return peer.ChaincodeSpec_GOLANG, nil
	case "java":
		return peer.ChaincodeSpec_JAVA, nil
	case "node":
		return peer.ChaincodeSpec_NODE, nil
	}
	return 0, errs.Errorf(errs.Argument, "unknown chaincode type %q", name)
}

// Definition describes one proposal to build.
type Definition struct {
	Kind    Kind
	Channel string

	// Chaincode identity. Path and Version matter for lifecycle kinds.
	Name    string
	Version string
	Path    string
	Type    string // golang (default), java, node

	Args      [][]byte
	Transient map[string][]byte

	// Install only: the tar.gz code package.
	Package []byte

	// Instantiate/Upgrade extras; empty entries become positional
	// placeholders.
	EndorsementPolicy []byte
	ESCC              string
	VSCC              string
	CollectionConfig  []byte
}

// Built is a fully assembled proposal plus the pieces submission needs
// later: the header for the transaction envelope, and the
// transient-stripped payload whose bytes feed the proposal hash.
type Built struct {
	TxID        string
	Proposal    *peer.Proposal
	Signed      *peer.SignedProposal
	Header      *common.Header
	TxPayload   []byte // ChaincodeProposalPayload without transient data
	ChaincodeID *peer.ChaincodeID
}

// Builder holds what every proposal shares: the submitting identity,
// the hash suite, and the TLS binding digest of the client endpoint
// (nil when mutual TLS is not in use).
type Builder struct {
	signer      *identity.SigningIdentity
	suite       *cryptosuite.Suite
	tlsCertHash []byte
}

func NewBuilder(signer *identity.SigningIdentity, suite *cryptosuite.Suite, tlsCertHash []byte) (*Builder, error) {
	if signer == nil {
		return nil, errs.New(errs.Argument, "signer is nil")
	}
	if suite == nil {
		return nil, errs.New(errs.Argument, "crypto suite is nil")
	}
	return &Builder{signer: signer, suite: suite, tlsCertHash: tlsCertHash}, nil
}

func (b *Builder) Build(def Definition) (*Built, error) {
	if def.Channel == "" && def.Kind != Install {
		return nil, errs.New(errs.Argument, "channel id is blank")
	}
	if def.Name == "" {
		return nil, errs.New(errs.Argument, "chaincode name is blank")
	}
	ccType, err := ChaincodeType(def.Type)
	if err != nil {
		return nil, err
	}

	invocation, target, err := b.invocationSpec(def, ccType)
	if err != nil {
		return nil, err
	}
	cisBytes, err := proto.Marshal(invocation)
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal invocation spec")
	}

	creator, err := b.signer.Serialize()
	if err != nil {
		return nil, err
	}
	hdr, txID, err := b.header(def.Channel, creator, target)
	if err != nil {
		return nil, err
	}
	hdrBytes, err := proto.Marshal(hdr)
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal header")
	}

	payload, err := proto.Marshal(&peer.ChaincodeProposalPayload{
		Input:        cisBytes,
		TransientMap: def.Transient,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal proposal payload")
	}
	// Transient data stays out of the payload that is hashed and
	// replayed inside the committed transaction.
	txPayload, err := proto.Marshal(&peer.ChaincodeProposalPayload{Input: cisBytes})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal tx payload")
	}

	prop := &peer.Proposal{Header: hdrBytes, Payload: payload}
	propBytes, err := proto.Marshal(prop)
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal proposal")
	}
	sig, err := b.signer.Sign(propBytes)
	if err != nil {
		return nil, err
	}

	return &Built{
		TxID:        txID,
		Proposal:    prop,
		Signed:      &peer.SignedProposal{ProposalBytes: propBytes, Signature: sig},
		Header:      hdr,
		TxPayload:   txPayload,
		ChaincodeID: target,
	}, nil
}

// invocationSpec builds the ChaincodeInvocationSpec for the definition
// and returns the chaincode the proposal is addressed to (LSCC for
// lifecycle kinds, the chaincode itself otherwise).
func (b *Builder) invocationSpec(def Definition, ccType peer.ChaincodeSpec_Type) (*peer.ChaincodeInvocationSpec, *peer.ChaincodeID, error) {
	ccID := &peer.ChaincodeID{Name: def.Name, Version: def.Version, Path: def.Path}

	switch def.Kind {
	case Invoke, Query:
		return &peer.ChaincodeInvocationSpec{
			ChaincodeSpec: &peer.ChaincodeSpec{
				Type:        ccType,
				ChaincodeId: ccID,
				Input:       &peer.ChaincodeInput{Args: def.Args},
			},
		}, ccID, nil

	case Install:
		if len(def.Package) == 0 {
			return nil, nil, errs.New(errs.Argument, "install requires a code package")
		}
		cds, err := deploymentSpec(ccID, ccType, def.Args, def.Package)
		if err != nil {
			return nil, nil, err
		}
		return lsccInvocation([][]byte{[]byte("install"), cds}), lsccID(), nil

	case Instantiate, Upgrade:
		action := "deploy"
		if def.Kind == Upgrade {
			action = "upgrade"
		}
		cds, err := deploymentSpec(ccID, ccType, def.Args, nil)
		if err != nil {
			return nil, nil, err
		}
		args := lifecycleArgs(action, def.Channel, cds, def)
		return lsccInvocation(args), lsccID(), nil
	}
	return nil, nil, errs.Errorf(errs.Argument, "unknown proposal kind %d", def.Kind)
}

// lifecycleArgs lays out the positional LSCC arguments
// [action, channel, depSpec, policy, escc, vscc, collections], keeping
// empty placeholders wherever a later argument is present but an
// earlier optional one is not, and trimming trailing empties.
func lifecycleArgs(action, channel string, cds []byte, def Definition) [][]byte {
	args := [][]byte{
		[]byte(action),
		[]byte(channel),
		cds,
		def.EndorsementPolicy,
		[]byte(def.ESCC),
		[]byte(def.VSCC),
		def.CollectionConfig,
	}
	last := 2
	for i := 3; i < len(args); i++ {
		if len(args[i]) > 0 {
			last = i
		}
	}
	args = args[:last+1]
	for i := range args {
		if args[i] == nil {
			args[i] = []byte{}
		}
	}
	return args
}

func deploymentSpec(ccID *peer.ChaincodeID, ccType peer.ChaincodeSpec_Type, args [][]byte, codePackage []byte) ([]byte, error) {
	b, err := proto.Marshal(&peer.ChaincodeDeploymentSpec{
		ChaincodeSpec: &peer.ChaincodeSpec{
			Type:        ccType,
			ChaincodeId: ccID,
			Input:       &peer.ChaincodeInput{Args: args},
		},
		CodePackage: codePackage,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal deployment spec")
	}
	return b, nil
}

func lsccID() *peer.ChaincodeID { return &peer.ChaincodeID{Name: lsccName} }

func lsccInvocation(args [][]byte) *peer.ChaincodeInvocationSpec {
	return &peer.ChaincodeInvocationSpec{
		ChaincodeSpec: &peer.ChaincodeSpec{
			Type:        peer.ChaincodeSpec_GOLANG,
			ChaincodeId: lsccID(),
			Input:       &peer.ChaincodeInput{Args: args},
		},
	}
}

// header builds the channel and signature headers. The same
// nonce/creator pair feeds both the TxID and the signature header;
// commit matching depends on that.
func (b *Builder) header(channel string, creator []byte, ccID *peer.ChaincodeID) (*common.Header, string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", errs.Wrap(errs.Crypto, err, "generate nonce")
	}
	txID := ComputeTxID(b.suite, nonce, creator)

	tm := timestamppb.Now()
	tm.Nanos = 0

	cHdr := &common.ChannelHeader{
		Type:        int32(common.HeaderType_ENDORSER_TRANSACTION),
		Version:     0,
		Timestamp:   tm,
		ChannelId:   channel,
		TxId:        txID,
		Epoch:       0,
		TlsCertHash: b.tlsCertHash,
	}
	if ccID != nil {
		ext, err := proto.Marshal(&peer.ChaincodeHeaderExtension{ChaincodeId: ccID})
		if err != nil {
			return nil, "", errs.Wrap(errs.Transaction, err, "marshal header extension")
		}
		cHdr.Extension = ext
	}
	cHdrBytes, err := proto.Marshal(cHdr)
	if err != nil {
		return nil, "", errs.Wrap(errs.Transaction, err, "marshal channel header")
	}
	sHdrBytes, err := proto.Marshal(&common.SignatureHeader{Creator: creator, Nonce: nonce})
	if err != nil {
		return nil, "", errs.Wrap(errs.Transaction, err, "marshal signature header")
	}

	return &common.Header{ChannelHeader: cHdrBytes, SignatureHeader: sHdrBytes}, txID, nil
}

// ComputeTxID derives the transaction id: hex(hash(nonce || creator)).
func ComputeTxID(suite *cryptosuite.Suite, nonce, creator []byte) string {
	msg := make([]byte, 0, len(nonce)+len(creator))
	msg = append(msg, nonce...)
	msg = append(msg, creator...)
	return hex.EncodeToString(suite.Hash(msg))
}

// Hash computes the proposal hash over the channel header, signature
// header and the transient-stripped chaincode proposal payload.
func Hash(suite *cryptosuite.Suite, header *common.Header, txPayload []byte) []byte {
	msg := make([]byte, 0, len(header.ChannelHeader)+len(header.SignatureHeader)+len(txPayload))
	msg = append(msg, header.ChannelHeader...)
	msg = append(msg, header.SignatureHeader...)
	msg = append(msg, txPayload...)
	return suite.Hash(msg)
}
