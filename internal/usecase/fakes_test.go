package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"exchange-service/internal/domain"
	"exchange-service/internal/provider"
	"exchange-service/internal/queue"
	"exchange-service/pkg/xerrors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// In-memory fakes for the narrow interfaces in deps.go and the repository
// interfaces, shared by the usecase tests.

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %T: %v", v, err)
	}
	return raw
}

// fakeLocks records acquisitions and is mutually exclusive per key, so tests
// can exercise real interleavings of concurrent callers.
type fakeLocks struct {
	mu       sync.Mutex
	byKey    map[string]*sync.Mutex
	acquired []string
}

func (f *fakeLocks) WithLock(ctx context.Context, key string, ttl time.Duration, retries int, retryDelay time.Duration, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	if f.byKey == nil {
		f.byKey = make(map[string]*sync.Mutex)
	}
	m := f.byKey[key]
	if m == nil {
		m = &sync.Mutex{}
		f.byKey[key] = m
	}
	f.acquired = append(f.acquired, key)
	f.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

func (f *fakeLocks) acquiredCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.acquired {
		if k == key {
			n++
		}
	}
	return n
}

type fakeEscrow struct {
	mu       sync.Mutex
	contexts map[string]*domain.EscrowContext
	holds    map[int64]int64

	storeErr error
}

func newFakeEscrow() *fakeEscrow {
	return &fakeEscrow{
		contexts: make(map[string]*domain.EscrowContext),
		holds:    make(map[int64]int64),
	}
}

func (f *fakeEscrow) StoreContext(ctx context.Context, reference string, data *domain.EscrowContext) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *data
	f.contexts[reference] = &cp
	return nil
}

func (f *fakeEscrow) GetContext(ctx context.Context, reference string) (*domain.EscrowContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contexts[reference]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeEscrow) RemoveContext(ctx context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.contexts, reference)
	return nil
}

func (f *fakeEscrow) MoveToEscrow(ctx context.Context, transactionID int64, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds[transactionID] += amount
	return nil
}

func (f *fakeEscrow) GetEscrowAmount(ctx context.Context, transactionID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holds[transactionID], nil
}

func (f *fakeEscrow) ReleaseEscrow(ctx context.Context, transactionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.holds, transactionID)
	return nil
}

type enqueuedJob struct {
	Topic   string
	Name    string
	Payload any
	Opts    queue.JobOptions
}

type fakeQueue struct {
	jobs []enqueuedJob
	err  error
}

func (f *fakeQueue) AddJob(ctx context.Context, topic, name string, payload any, opts queue.JobOptions) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, enqueuedJob{Topic: topic, Name: name, Payload: payload, Opts: opts})
	return nil
}

type fakeRates struct {
	quote       *domain.RateQuote
	feeCfg      *domain.FeeConfig
	getErr      error
	validateErr error
}

func (f *fakeRates) GetRate(ctx context.Context, currency string, amount int64, rateType domain.RateType) (*domain.RateQuote, *domain.FeeConfig, error) {
	if f.getErr != nil {
		return nil, nil, f.getErr
	}
	return f.quote, f.feeConfig(), nil
}

func (f *fakeRates) ValidateRate(ctx context.Context, rateID int64, amount int64, rateType domain.RateType) error {
	return f.validateErr
}

func (f *fakeRates) ActiveFeeConfig(ctx context.Context) (*domain.FeeConfig, error) {
	return f.feeConfig(), nil
}

func (f *fakeRates) feeConfig() *domain.FeeConfig {
	if f.feeCfg == nil {
		return &domain.FeeConfig{}
	}
	return f.feeCfg
}

type balanceMove struct {
	Account   string
	Amount    int64 // positive deposit, negative withdrawal
	Narration string
}

type fakeBalances struct {
	accounts map[string]*domain.LedgerAccount
	moves    []balanceMove

	withdrawErr error
	depositErr  error
}

func newFakeBalances() *fakeBalances {
	return &fakeBalances{accounts: make(map[string]*domain.LedgerAccount)}
}

func (f *fakeBalances) addAccount(number, owner string, balance int64) *domain.LedgerAccount {
	a := &domain.LedgerAccount{
		ID:               int64(len(f.accounts) + 1),
		AccountNumber:    number,
		OwnerID:          owner,
		Currency:         "NGN",
		AvailableBalance: balance,
		IsActive:         true,
	}
	f.accounts[number] = a
	return a
}

func (f *fakeBalances) DepositMoney(ctx context.Context, accountNumber string, amount int64, narration string) (*domain.LedgerAccount, error) {
	if f.depositErr != nil {
		return nil, f.depositErr
	}
	a, ok := f.accounts[accountNumber]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	a.AvailableBalance += amount
	f.moves = append(f.moves, balanceMove{Account: accountNumber, Amount: amount, Narration: narration})
	cp := *a
	return &cp, nil
}

func (f *fakeBalances) WithdrawMoney(ctx context.Context, accountNumber string, amount int64, narration string) (*domain.LedgerAccount, error) {
	if f.withdrawErr != nil {
		return nil, f.withdrawErr
	}
	a, ok := f.accounts[accountNumber]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	if a.AvailableBalance < amount {
		return nil, xerrors.ErrNegativeBalance
	}
	a.AvailableBalance -= amount
	f.moves = append(f.moves, balanceMove{Account: accountNumber, Amount: -amount, Narration: narration})
	cp := *a
	return &cp, nil
}

type publishedEvent struct {
	Kind      string
	UserID    string
	Reference string
	Amount    int64
}

type fakeEvents struct {
	events []publishedEvent
}

func (f *fakeEvents) PublishCompleted(ctx context.Context, userID, reference, currency string, amount, balanceAfter int64) error {
	f.events = append(f.events, publishedEvent{Kind: "completed", UserID: userID, Reference: reference, Amount: amount})
	return nil
}

func (f *fakeEvents) PublishFailed(ctx context.Context, userID, reference, currency string, amount int64, errMsg string) error {
	f.events = append(f.events, publishedEvent{Kind: "failed", UserID: userID, Reference: reference, Amount: amount})
	return nil
}

func (f *fakeEvents) PublishRefunded(ctx context.Context, userID, reference, currency string, amount int64) error {
	f.events = append(f.events, publishedEvent{Kind: "refunded", UserID: userID, Reference: reference, Amount: amount})
	return nil
}

type fakeCompensator struct {
	byID  []int64
	byRef []string
	err   error
}

func (f *fakeCompensator) Compensate(ctx context.Context, transactionID int64, cause error) error {
	f.byID = append(f.byID, transactionID)
	return f.err
}

func (f *fakeCompensator) CompensateByReference(ctx context.Context, reference string, cause error) error {
	f.byRef = append(f.byRef, reference)
	return f.err
}

// fakeTxRepo enforces reference uniqueness the way Postgres does, surfacing
// a 23505 error so the re-fetch path is exercised.
type fakeTxRepo struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*domain.ExchangeTransaction
	byRef   map[string]*domain.ExchangeTransaction
	wallets map[int64]*domain.FiatWalletTransaction

	createErr error
}

func newFakeTxRepo() *fakeTxRepo {
	return &fakeTxRepo{
		byID:    make(map[int64]*domain.ExchangeTransaction),
		byRef:   make(map[string]*domain.ExchangeTransaction),
		wallets: make(map[int64]*domain.FiatWalletTransaction),
	}
}

func (f *fakeTxRepo) Create(ctx context.Context, exch *domain.ExchangeTransaction, wallet *domain.FiatWalletTransaction) (*domain.ExchangeTransaction, *domain.FiatWalletTransaction, error) {
	if f.createErr != nil {
		return nil, nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byRef[exch.Reference]; exists {
		return nil, nil, &pgconn.PgError{Code: "23505", ConstraintName: "exchange_transactions_reference_key"}
	}
	f.nextID++
	exch.ID = f.nextID
	exch.CreatedAt = time.Now()
	exch.UpdatedAt = exch.CreatedAt
	f.byID[exch.ID] = exch
	f.byRef[exch.Reference] = exch

	f.nextID++
	wallet.ID = f.nextID
	wallet.ExchangeTransactionID = exch.ID
	f.wallets[exch.ID] = wallet
	return exch, wallet, nil
}

func (f *fakeTxRepo) GetByReference(ctx context.Context, reference string) (*domain.ExchangeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byRef[reference]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return t, nil
}

func (f *fakeTxRepo) GetByID(ctx context.Context, id int64) (*domain.ExchangeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return t, nil
}

func (f *fakeTxRepo) GetWalletByExchangeID(ctx context.Context, exchangeID int64) (*domain.FiatWalletTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[exchangeID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return w, nil
}

func (f *fakeTxRepo) MarkCompleted(ctx context.Context, id int64, balanceBefore, balanceAfter int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok || t.Status.IsTerminal() {
		return xerrors.ErrNotFound
	}
	t.Status = domain.StatusCompleted
	t.BalanceBefore = &balanceBefore
	t.BalanceAfter = &balanceAfter
	t.UpdatedAt = time.Now()
	if w := f.wallets[id]; w != nil {
		w.Status = domain.StatusCompleted
	}
	return nil
}

func (f *fakeTxRepo) FailWithWallet(ctx context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	if t.Status.IsTerminal() {
		return nil
	}
	reason = domain.TruncateReason(reason)
	t.Status = domain.StatusFailed
	t.FailureReason = &reason
	t.UpdatedAt = time.Now()
	if w := f.wallets[id]; w != nil && !w.Status.IsTerminal() {
		w.Status = domain.StatusFailed
	}
	return nil
}

func (f *fakeTxRepo) SetWalletProviderRef(ctx context.Context, exchangeID int64, providerRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w := f.wallets[exchangeID]; w != nil {
		w.ProviderRef = &providerRef
	}
	return nil
}

func (f *fakeTxRepo) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.ExchangeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*domain.ExchangeTransaction
	for _, t := range f.byID {
		if !t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			out = append(out, t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeLedgerRepo struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[string]*domain.LedgerAccount
	txs      map[int64]*domain.LedgerTransaction
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	return &fakeLedgerRepo{
		accounts: make(map[string]*domain.LedgerAccount),
		txs:      make(map[int64]*domain.LedgerTransaction),
	}
}

func (f *fakeLedgerRepo) addAccount(number, owner string, balance int64) *domain.LedgerAccount {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	a := &domain.LedgerAccount{
		ID:               f.nextID,
		AccountNumber:    number,
		OwnerID:          owner,
		Currency:         "NGN",
		AvailableBalance: balance,
		IsActive:         true,
	}
	f.accounts[number] = a
	return a
}

func (f *fakeLedgerRepo) GetAccountByNumber(ctx context.Context, accountNumber string) (*domain.LedgerAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountNumber]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeLedgerRepo) CreateLedgerTransaction(ctx context.Context, lt *domain.LedgerTransaction) (*domain.LedgerTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	lt.ID = f.nextID
	lt.Status = domain.LedgerTxPending
	f.txs[lt.ID] = lt
	return lt, nil
}

func (f *fakeLedgerRepo) GetLedgerTransaction(ctx context.Context, id int64) (*domain.LedgerTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lt, ok := f.txs[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return lt, nil
}

func (f *fakeLedgerRepo) MarkLedgerTransactionFailed(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lt, ok := f.txs[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	if lt.Status != domain.LedgerTxPending {
		return xerrors.ErrLedgerTxNotPending
	}
	lt.Status = domain.LedgerTxFailed
	return nil
}

func (f *fakeLedgerRepo) ApplyBalanceUpdate(ctx context.Context, accountNumber string, delta int64, ledgerTxID int64) (*domain.LedgerAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountNumber]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	lt, ok := f.txs[ledgerTxID]
	if !ok || lt.AccountNumber != accountNumber {
		return nil, xerrors.ErrLedgerTxNotFound
	}
	if lt.Status != domain.LedgerTxPending {
		return nil, xerrors.ErrLedgerTxNotPending
	}
	before := a.AvailableBalance
	after := before + delta
	if after < 0 {
		return nil, xerrors.ErrNegativeBalance
	}
	a.AvailableBalance = after
	lt.Status = domain.LedgerTxSuccessful
	lt.BalanceBefore = &before
	lt.BalanceAfter = &after
	cp := *a
	return &cp, nil
}

// fakeExchangeProvider implements provider.ExchangeProvider and the optional
// SettlementLedgerPoster capability.
type fakeExchangeProvider struct {
	rates    []provider.Rate
	channels []provider.Channel
	payins   map[string]*provider.PayInRequest // by transaction ref

	accepted  []string
	settled   []string
	createErr error
	acceptErr error
}

func newFakeExchangeProvider() *fakeExchangeProvider {
	return &fakeExchangeProvider{payins: make(map[string]*provider.PayInRequest)}
}

func (f *fakeExchangeProvider) Name() string { return "liquidityapi" }

func (f *fakeExchangeProvider) GetExchangeRates(ctx context.Context, currency string) ([]provider.Rate, error) {
	return f.rates, nil
}

func (f *fakeExchangeProvider) GetChannels(ctx context.Context, country string) ([]provider.Channel, error) {
	return f.channels, nil
}

func (f *fakeExchangeProvider) CreatePayInRequest(ctx context.Context, payload provider.CreatePayInPayload) (*provider.PayInRequest, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	p := &provider.PayInRequest{
		Ref:            "PI-" + payload.TransactionRef,
		TransactionRef: payload.TransactionRef,
		Status:         "open",
		Fee:            decimal.NewFromInt(100), // 100.00 in minor units
	}
	f.payins[payload.TransactionRef] = p
	return p, nil
}

func (f *fakeExchangeProvider) AcceptPayInRequest(ctx context.Context, ref string) (*provider.AcceptResult, error) {
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	f.accepted = append(f.accepted, ref)
	return &provider.AcceptResult{
		BankInfo: provider.BankInfo{
			AccountNumber: "9999999999",
			AccountName:   "Liquidity Settlement",
			BankName:      "First Bank",
		},
	}, nil
}

func (f *fakeExchangeProvider) GetPayInRequestByTransactionRef(ctx context.Context, transactionRef string) (*provider.PayInRequest, error) {
	p, ok := f.payins[transactionRef]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return p, nil
}

func (f *fakeExchangeProvider) SettleLedgerEntry(ctx context.Context, transactionRef string) error {
	f.settled = append(f.settled, transactionRef)
	return nil
}

type transfer struct {
	Payload provider.TransferPayload
	Ref     string
}

type fakeBanking struct {
	banks     []provider.Bank
	transfers []transfer
	status    string // reported transfer status, default SUCCESSFUL

	transferErr error
}

func newFakeBanking() *fakeBanking {
	return &fakeBanking{
		banks: []provider.Bank{
			{BankName: "First Bank of Nigeria Plc", NibssBankCode: "011"},
			{BankName: "Zenith Bank", NibssBankCode: "057"},
		},
		status: "SUCCESSFUL",
	}
}

func (f *fakeBanking) Name() string { return "bankapi" }

func (f *fakeBanking) GetBankList(ctx context.Context) ([]provider.Bank, error) {
	return f.banks, nil
}

func (f *fakeBanking) TransferToOtherBank(ctx context.Context, payload provider.TransferPayload) (*provider.TransferResult, error) {
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	ref := fmt.Sprintf("TRF-%d", len(f.transfers)+1)
	f.transfers = append(f.transfers, transfer{Payload: payload, Ref: ref})
	return &provider.TransferResult{TransactionReference: ref}, nil
}

func (f *fakeBanking) GetTransactionStatus(ctx context.Context, transactionRef string) (*provider.TransferStatus, error) {
	return &provider.TransferStatus{Status: f.status}, nil
}

type fakeKYC struct {
	details *domain.KycDetails
	err     error
}

func (f *fakeKYC) GetKycDetailsByUserID(ctx context.Context, userID string) (*domain.KycDetails, error) {
	return f.details, f.err
}

type fakeAddresses struct {
	address string
}

func (f *fakeAddresses) DepositAddress(ctx context.Context, userID, currency string) (string, error) {
	return f.address, nil
}

type fakeAccounts struct {
	account *provider.ReceivingAccount
	err     error
}

func (f *fakeAccounts) FindOrCreateReceivingAccount(ctx context.Context, userID string, requested *provider.ReceivingAccount) (*provider.ReceivingAccount, error) {
	if f.err != nil {
		return nil, f.err
	}
	if requested != nil {
		return requested, nil
	}
	return f.account, nil
}
