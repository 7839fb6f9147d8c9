package web3

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20JSON = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"transferOwnership","stateMutability":"nonpayable","inputs":[{"name":"newOwner","type":"address"}],"outputs":[]}
]`

const routerJSON = `[
 {"type":"function","name":"addLiquidity","stateMutability":"nonpayable","inputs":[
  {"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},
  {"name":"amountADesired","type":"uint256"},{"name":"amountBDesired","type":"uint256"},
  {"name":"amountAMin","type":"uint256"},{"name":"amountBMin","type":"uint256"},
  {"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amountA","type":"uint256"},{"name":"amountB","type":"uint256"},{"name":"liquidity","type":"uint256"}]}
]`

const factoryJSON = `[
 {"type":"function","name":"getPair","stateMutability":"view","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],"outputs":[{"name":"pair","type":"address"}]}
]`

const ownableJSON = `[
 {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"transferOwnership","stateMutability":"nonpayable","inputs":[{"name":"newOwner","type":"address"}],"outputs":[]}
]`

const iaoJSON = `[
 {"type":"function","name":"isSuccess","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"startTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"endTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"event","name":"TimeUpdated","anonymous":false,"inputs":[{"name":"startTime","type":"uint256","indexed":false},{"name":"endTime","type":"uint256","indexed":false}]}
]`

const erc721JSON = `[
 {"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
]`

var (
	// ERC20ABI 覆盖代币转账、授权、销毁与所有权相关方法。
	ERC20ABI = mustParseABI(erc20JSON)
	// RouterABI 为 UniswapV2 兼容路由合约。
	RouterABI  = mustParseABI(routerJSON)
	FactoryABI = mustParseABI(factoryJSON)
	OwnableABI = mustParseABI(ownableJSON)
	// IAOABI 为募集合约，包含时间窗口变更事件。
	IAOABI    = mustParseABI(iaoJSON)
	ERC721ABI = mustParseABI(erc721JSON)
)

// TimeUpdatedTopic 是 TimeUpdated(uint256,uint256) 事件的签名哈希。
var TimeUpdatedTopic = crypto.Keccak256Hash([]byte("TimeUpdated(uint256,uint256)"))

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(err)
	}
	return parsed
}
