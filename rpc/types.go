package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Warnings accepts both the string form and the array form (v28+) of the
// "warnings" field
type Warnings []string

func (w *Warnings) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*w = nil
		} else {
			*w = Warnings{single}
		}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("warnings: %w", err)
	}
	*w = list
	return nil
}

// BlockchainInfo is the getblockchaininfo result
type BlockchainInfo struct {
	Chain                string   `json:"chain" validate:"required"`
	Blocks               int64    `json:"blocks" validate:"gte=0"`
	Headers              int64    `json:"headers" validate:"gte=0"`
	BestBlockHash        string   `json:"bestblockhash" validate:"required,len=64,hexadecimal"`
	Difficulty           float64  `json:"difficulty" validate:"gte=0"`
	MedianTime           int64    `json:"mediantime"`
	VerificationProgress float64  `json:"verificationprogress" validate:"gte=0,lte=1"`
	InitialBlockDownload bool     `json:"initialblockdownload"`
	SizeOnDisk           int64    `json:"size_on_disk"`
	Pruned               bool     `json:"pruned"`
	Warnings             Warnings `json:"warnings"`
}

// NetworkInfo is the getnetworkinfo result
type NetworkInfo struct {
	Version         int      `json:"version" validate:"gt=0"`
	SubVersion      string   `json:"subversion" validate:"required"`
	ProtocolVersion int      `json:"protocolversion"`
	TimeOffset      int64    `json:"timeoffset"`
	Connections     int      `json:"connections" validate:"gte=0"`
	ConnectionsIn   int      `json:"connections_in" validate:"gte=0"`
	ConnectionsOut  int      `json:"connections_out" validate:"gte=0"`
	NetworkActive   bool     `json:"networkactive"`
	RelayFee        float64  `json:"relayfee"`
	Warnings        Warnings `json:"warnings"`
}

// MempoolInfo is the getmempoolinfo result. Fee fields are BTC/kvB.
type MempoolInfo struct {
	Loaded        bool    `json:"loaded"`
	Size          int64   `json:"size" validate:"gte=0"`
	Bytes         int64   `json:"bytes" validate:"gte=0"`
	Usage         int64   `json:"usage" validate:"gte=0"`
	TotalFee      float64 `json:"total_fee" validate:"gte=0"`
	MaxMempool    int64   `json:"maxmempool"`
	MempoolMinFee float64 `json:"mempoolminfee"`
	MinRelayTxFee float64 `json:"minrelaytxfee"`
}

// MempoolFees is the "fees" object of a verbose mempool entry, in BTC
type MempoolFees struct {
	Base       float64 `json:"base" validate:"gte=0"`
	Modified   float64 `json:"modified"`
	Ancestor   float64 `json:"ancestor"`
	Descendant float64 `json:"descendant"`
}

// MempoolEntry is one value of the getrawmempool verbose result
type MempoolEntry struct {
	VSize             int64        `json:"vsize" validate:"gt=0"`
	Weight            int64        `json:"weight" validate:"gte=0"`
	Time              int64        `json:"time" validate:"gte=0"`
	Height            int64        `json:"height"`
	Fees              *MempoolFees `json:"fees" validate:"required"`
	Depends           []string     `json:"depends"`
	SpentBy           []string     `json:"spentby"`
	BIP125Replaceable bool         `json:"bip125-replaceable"`
}

// TemplateTx is one transaction of a block template
type TemplateTx struct {
	TxID    string `json:"txid" validate:"required,len=64,hexadecimal"`
	Hash    string `json:"hash"`
	Depends []int  `json:"depends"`
	// Fee is in satoshis.
	Fee    int64 `json:"fee" validate:"gte=0"`
	SigOps int64 `json:"sigops"`
	Weight int64 `json:"weight" validate:"gt=0"`
}

// BlockTemplate is the getblocktemplate result, limited to the fields the
// projection uses
type BlockTemplate struct {
	Version           int32        `json:"version"`
	PreviousBlockHash string       `json:"previousblockhash" validate:"required"`
	Height            int64        `json:"height" validate:"gt=0"`
	Transactions      []TemplateTx `json:"transactions" validate:"dive"`
	CoinbaseValue     int64        `json:"coinbasevalue" validate:"gte=0"`
	WeightLimit       int64        `json:"weightlimit"`
	CurTime           int64        `json:"curtime"`
	Bits              string       `json:"bits"`
}

// TemplateRequest is the single parameter of getblocktemplate
type TemplateRequest struct {
	Rules []string `json:"rules"`
}

// validateResult checks a decoded struct result against its tags
func validateResult(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("unexpected result shape: %w", err)
	}
	return nil
}
