package types

// WalletProvider identifies the wallet an account signs with
type WalletProvider string

const (
	ProviderPhantom      WalletProvider = "phantom"
	ProviderSolflare     WalletProvider = "solflare"
	ProviderKeypair      WalletProvider = "keypair"
	ProviderMetaMask     WalletProvider = "metamask"
	ProviderTalismanEvm  WalletProvider = "talisman-evm"
	ProviderSubWalletEvm WalletProvider = "subwallet-evm"
)

var evmProviders = map[WalletProvider]bool{
	ProviderMetaMask:     true,
	ProviderTalismanEvm:  true,
	ProviderSubWalletEvm: true,
}

// IsEVM reports whether the provider signs EVM-style transactions
func (p WalletProvider) IsEVM() bool {
	return evmProviders[p]
}

// Account is the connected signer
type Account struct {
	Address  string         `json:"address"`
	Name     string         `json:"name,omitempty"`
	Provider WalletProvider `json:"provider"`
}
