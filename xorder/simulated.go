package xorder

import (
	"database/sql"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/blocknetdx/xbridge-go/common"
	"github.com/blocknetdx/xbridge-go/connector"
)

// RandOrder builds an order with plausible random content for tests.
func RandOrder(state State) *Order {
	id := common.RandBytes32()
	now := time.Now().UTC()
	return &Order{
		ID:           OrderID(id),
		Role:         connector.RoleA,
		FromCurrency: "BLOCK",
		FromAmount:   10 * common.COIN,
		ToCurrency:   "LTC",
		ToAmount:     20 * common.COIN,
		FromAddr:     common.RandBytes(20),
		ToAddr:       common.RandBytes(20),
		MakerPubKey:  common.RandBytes(33),
		UsedCoins: []connector.UTXO{
			{
				TxID:      common.ByteSliceToPureHexStr(common.RandBytes(32)),
				Vout:      0,
				Amount:    11 * common.COIN,
				Address:   "addr",
				Signature: common.RandBytes(64),
			},
		},
		State:     state,
		BlockHash: common.RandBytes32(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func getMemoryDB() *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		logger.Fatal(err)
	}
	return db
}
