package mirror

import (
	"github.com/MarcoPoloResearchLab/dataaccount/internal/layout"
	"github.com/gagliardetto/solana-go"
)

// TableName is the mirror table observers query.
const TableName = "DataAccountIndex"

// IndexedRow mirrors the latest committed state of one data account.
type IndexedRow struct {
	DataAccount         string `gorm:"column:data_account;primaryKey;size:64;not null"`
	Authority           string `gorm:"column:authority;size:64;not null"`
	DataType            uint8  `gorm:"column:data_type;not null;default:0"`
	Data                string `gorm:"column:data;type:text;not null"`
	TxID                string `gorm:"column:tx_id;size:128;not null"`
	SerializationStatus uint8  `gorm:"column:serialization_status;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (IndexedRow) TableName() string {
	return TableName
}

// NewRow builds the row for a data account from its re-read metadata and payload.
func NewRow(dataAccount solana.PublicKey, metadata layout.Metadata, payload []byte, txID solana.Signature) IndexedRow {
	return IndexedRow{
		DataAccount:         dataAccount.String(),
		Authority:           metadata.Authority.String(),
		DataType:            uint8(metadata.DataType),
		Data:                RenderPayload(metadata.DataType, metadata.SerializationStatus, payload),
		TxID:                txID.String(),
		SerializationStatus: uint8(metadata.SerializationStatus),
	}
}
