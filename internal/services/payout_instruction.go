package services

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/fdip/backend/internal/models"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
)

const (
	MessageTypePacs008 = "pacs.008.001.08"
	MessageTypePacs002 = "pacs.002.001.08"
)

// PayoutInstructionService renders cashouts as ISO 20022 messages for the
// settlement bank: pacs.008 to instruct the credit transfer and pacs.002 to
// report its status.
type PayoutInstructionService struct {
	debtorBIC  string
	debtorName string
	currency   string
}

func NewPayoutInstructionService(debtorBIC, debtorName string) *PayoutInstructionService {
	if debtorBIC == "" {
		debtorBIC = "FDIPUS33"
	}
	if debtorName == "" {
		debtorName = "FDIP Platform"
	}
	return &PayoutInstructionService{debtorBIC: debtorBIC, debtorName: debtorName, currency: "USD"}
}

// CreatePacs008 builds the credit transfer for a cashout.
func (s *PayoutInstructionService) CreatePacs008(txn *models.LedgerTransaction) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	if txn == nil || txn.Type != models.TransactionTypeCashout {
		return nil, fmt.Errorf("%w: payout instructions exist only for cashouts", ErrInvalidStateTransition)
	}

	creDtTm := time.Now()
	settlementDate := creDtTm
	amount := Cents(txn.USDCents).Dollars()
	endToEnd := txn.ID
	if txn.ExternalReference != nil {
		endToEnd = *txn.ExternalReference
	}

	instrID := common.Max35Text(shortID(txn.ID))
	txID := common.Max35Text(shortID(txn.ID))
	bic := common.BICFIDec2014Identifier(s.debtorBIC)
	debtor := common.Max140Text(s.debtorName)
	creditor := common.Max140Text(txn.AccountID)

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(shortID(uuid.New().String())),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(s.currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &instrID,
					EndToEndId: common.Max35Text(shortID(endToEnd)),
					TxId:       &txID,
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(s.currency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &bic,
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &debtor,
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &creditor,
				},
			},
		},
	}
	return doc, nil
}

// CreatePacs002 reports the ledger status of a cashout.
func (s *PayoutInstructionService) CreatePacs002(txn *models.LedgerTransaction) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	if txn == nil || txn.Type != models.TransactionTypeCashout {
		return nil, fmt.Errorf("%w: payout status exists only for cashouts", ErrInvalidStateTransition)
	}

	orgnlID := common.Max35Text(shortID(txn.ID))
	endToEnd := orgnlID
	if txn.ExternalReference != nil {
		endToEnd = common.Max35Text(shortID(*txn.ExternalReference))
	}
	status := pacs_v08.ExternalPaymentTransactionStatus1Code(payoutStatusCode(txn.Status))

	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(shortID(uuid.New().String())),
			CreDtTm: common.ISODateTime(time.Now()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &orgnlID,
				OrgnlEndToEndId: &endToEnd,
				OrgnlTxId:       &orgnlID,
				TxSts:           &status,
			},
		},
	}
	return doc, nil
}

// ConvertToXML renders an ISO 20022 document with the XML header.
func (s *PayoutInstructionService) ConvertToXML(doc any) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

// Render builds and serialises the requested message type for a cashout.
func (s *PayoutInstructionService) Render(txn *models.LedgerTransaction, messageType string) (string, error) {
	switch messageType {
	case "", MessageTypePacs008, "pacs.008", "pacs008":
		doc, err := s.CreatePacs008(txn)
		if err != nil {
			return "", err
		}
		return s.ConvertToXML(doc)
	case MessageTypePacs002, "pacs.002", "pacs002":
		doc, err := s.CreatePacs002(txn)
		if err != nil {
			return "", err
		}
		return s.ConvertToXML(doc)
	}
	return "", fmt.Errorf("%w: unsupported message type %q", ErrInvalidRequest, messageType)
}

// payoutStatusCode maps ledger states to ISO 20022 transaction status codes.
func payoutStatusCode(status models.TransactionStatus) string {
	switch status {
	case models.TransactionStatusCompleted:
		return "ACSC"
	case models.TransactionStatusFailed, models.TransactionStatusCancelled:
		return "RJCT"
	}
	return "PDNG"
}

// shortID fits an identifier into Max35Text.
func shortID(id string) string {
	if len(id) > 35 {
		return id[:35]
	}
	return id
}
