package blockchain

import (
	"context"
	"fmt"
	"log"

	"cardflip-game/internal/models"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
)

// PayoutSender pushes win payouts to bettor wallets as SOL transfers.
// It implements services.PayoutNotifier; the ledger row stays the source of
// truth and a failed send is reported to the caller for logging only.
type PayoutSender struct {
	rpcClient    *rpc.Client
	network      string
	serverWallet *solana.Wallet
}

// NewPayoutSender creates a payout sender signing with the server wallet
func NewPayoutSender(network, privateKey string) (*PayoutSender, error) {
	var rpcURL string
	switch network {
	case "mainnet-beta":
		rpcURL = "https://api.mainnet-beta.solana.com"
	case "devnet":
		rpcURL = "https://api.devnet.solana.com"
	case "testnet":
		rpcURL = "https://api.testnet.solana.com"
	default:
		rpcURL = "https://api.devnet.solana.com"
	}

	wallet, err := solana.WalletFromPrivateKeyBase58(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load server wallet: %w", err)
	}
	log.Printf("[PayoutSender] Server wallet loaded: %s", wallet.PublicKey())

	return &PayoutSender{
		rpcClient:    rpc.New(rpcURL),
		network:      network,
		serverWallet: wallet,
	}, nil
}

// NotifyWin transfers the payout amount to the winning bettor's wallet.
func (p *PayoutSender) NotifyWin(ctx context.Context, payout *models.PayoutTransaction) error {
	recipient, err := solana.PublicKeyFromBase58(payout.BettorID)
	if err != nil {
		return fmt.Errorf("invalid recipient address %q: %w", payout.BettorID, err)
	}

	lamports := payout.Amount.Shift(models.AmountPlaces).IntPart()
	if lamports <= 0 {
		return nil
	}

	recent, err := p.rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("failed to get recent blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(
				uint64(lamports),
				p.serverWallet.PublicKey(),
				recipient,
			).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(p.serverWallet.PublicKey()),
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(p.serverWallet.PublicKey()) {
			return &p.serverWallet.PrivateKey
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := p.rpcClient.SendTransactionWithOpts(
		ctx,
		tx,
		rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: rpc.CommitmentConfirmed,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}

	log.Printf("[PayoutSender] Payout %s sent: %s", payout.Reference, sig.String())
	return nil
}
