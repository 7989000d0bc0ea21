package model

import "errors"

// ErrorKind — стабильный код ошибки, который видят внешние слои.
type ErrorKind string

const (
	KindNotFound               ErrorKind = "NotFound"
	KindAlreadyReleased        ErrorKind = "AlreadyReleased"
	KindInvalidState           ErrorKind = "InvalidState"
	KindAccountBlocked         ErrorKind = "AccountBlocked"
	KindCustomerNotApproved    ErrorKind = "CustomerNotApproved"
	KindInsufficientBalance    ErrorKind = "InsufficientBalance"
	KindPassengerQuotaExceeded ErrorKind = "PassengerQuotaExceeded"
	KindPurchaseNotEligible    ErrorKind = "PurchaseNotEligible"
	KindValidation             ErrorKind = "ValidationError"
	KindInternal               ErrorKind = "Internal"
)

// LedgerError — доменная ошибка с кодом. Экземпляры ниже используются как sentinel-значения
// и оборачиваются через fmt.Errorf("%w: ...").
type LedgerError struct {
	Kind    ErrorKind
	message string
}

func (e *LedgerError) Error() string {
	return e.message
}

var (
	// ErrNotFound возвращается, если сущность не найдена.
	ErrNotFound = &LedgerError{Kind: KindNotFound, message: "not found"}
	// ErrAlreadyReleased возвращается при повторном закрытии покупки.
	ErrAlreadyReleased = &LedgerError{Kind: KindAlreadyReleased, message: "purchase already released"}
	// ErrInvalidState возвращается, если запись нарушает ожидаемое состояние (например, нет цедента).
	ErrInvalidState = &LedgerError{Kind: KindInvalidState, message: "invalid state"}
	// ErrAccountBlocked возвращается, если у цедента открыт блок по программе.
	ErrAccountBlocked = &LedgerError{Kind: KindAccountBlocked, message: "account blocked"}
	// ErrCustomerNotApproved возвращается, если цедент не одобрен.
	ErrCustomerNotApproved = &LedgerError{Kind: KindCustomerNotApproved, message: "customer not approved"}
	// ErrInsufficientBalance возвращается при попытке списать больше баллов, чем есть на балансе.
	ErrInsufficientBalance = &LedgerError{Kind: KindInsufficientBalance, message: "insufficient balance"}
	// ErrPassengerQuotaExceeded возвращается, если превышена квота пассажиров.
	ErrPassengerQuotaExceeded = &LedgerError{Kind: KindPassengerQuotaExceeded, message: "passenger quota exceeded"}
	// ErrPurchaseNotEligible возвращается, если покупку нельзя привязать к продаже.
	ErrPurchaseNotEligible = &LedgerError{Kind: KindPurchaseNotEligible, message: "purchase not eligible"}
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = &LedgerError{Kind: KindValidation, message: "validation error"}
)

// KindOf возвращает код доменной ошибки из цепочки; для прочих ошибок — KindInternal.
func KindOf(err error) ErrorKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInternal
}
