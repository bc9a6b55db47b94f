package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"haggle/indexer"
)

var settlementHeader = []string{
	"negotiation_id", "buyer", "seller", "token", "escrow_amount", "effective_escrow",
	"rounds", "settled_amount", "protocol_fee", "seller_payout", "buyer_refund", "settled_at",
}

// SettlementsCSV builds a CSV export of settled negotiations and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func SettlementsCSV(rows []indexer.NegotiationSummary) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	w := csv.NewWriter(buffer)
	if err := w.Write(settlementHeader); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			row.NegotiationID,
			row.Buyer,
			row.Seller,
			row.Token,
			strconv.FormatUint(row.EscrowAmount, 10),
			strconv.FormatUint(row.EffectiveEscrow, 10),
			strconv.FormatUint(uint64(row.Rounds), 10),
			strconv.FormatUint(row.SettledAmount, 10),
			strconv.FormatUint(row.ProtocolFee, 10),
			strconv.FormatUint(row.SellerPayout, 10),
			strconv.FormatUint(row.BuyerRefund, 10),
			time.Unix(row.SettledAt, 0).UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

type settlementRow struct {
	NegotiationID   string `parquet:"name=negotiation_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer           string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seller          string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Token           string `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowAmount    int64  `parquet:"name=escrow_amount, type=INT64"`
	EffectiveEscrow int64  `parquet:"name=effective_escrow, type=INT64"`
	Rounds          int32  `parquet:"name=rounds, type=INT32"`
	SettledAmount   int64  `parquet:"name=settled_amount, type=INT64"`
	ProtocolFee     int64  `parquet:"name=protocol_fee, type=INT64"`
	SellerPayout    int64  `parquet:"name=seller_payout, type=INT64"`
	BuyerRefund     int64  `parquet:"name=buyer_refund, type=INT64"`
	SettledAt       int64  `parquet:"name=settled_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// SettlementsParquet writes settled negotiations to a snappy-compressed
// parquet file at path.
func SettlementsParquet(path string, rows []indexer.NegotiationSummary) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(settlementRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &settlementRow{
			NegotiationID:   row.NegotiationID,
			Buyer:           row.Buyer,
			Seller:          row.Seller,
			Token:           row.Token,
			EscrowAmount:    int64(row.EscrowAmount),
			EffectiveEscrow: int64(row.EffectiveEscrow),
			Rounds:          int32(row.Rounds),
			SettledAmount:   int64(row.SettledAmount),
			ProtocolFee:     int64(row.ProtocolFee),
			SellerPayout:    int64(row.SellerPayout),
			BuyerRefund:     int64(row.BuyerRefund),
			SettledAt:       row.SettledAt * 1000,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet file: %w", err)
	}
	return nil
}
