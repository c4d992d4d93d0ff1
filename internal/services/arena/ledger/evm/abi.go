package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// BattleABI is the subset of the battle contract interface the arena uses.
const BattleABI = `[
  {"type":"function","name":"getEntity","stateMutability":"view",
   "inputs":[{"name":"holder","type":"address"}],
   "outputs":[{"name":"","type":"tuple","components":[
     {"name":"name","type":"string"},
     {"name":"imageURI","type":"string"},
     {"name":"hp","type":"uint256"},
     {"name":"maxHp","type":"uint256"},
     {"name":"attackDamage","type":"uint256"}]}]},
  {"type":"function","name":"getBigBoss","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"tuple","components":[
     {"name":"name","type":"string"},
     {"name":"imageURI","type":"string"},
     {"name":"hp","type":"uint256"},
     {"name":"maxHp","type":"uint256"},
     {"name":"attackDamage","type":"uint256"}]}]},
  {"type":"function","name":"getAllEntities","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"name","type":"string"},
     {"name":"imageURI","type":"string"},
     {"name":"hp","type":"uint256"},
     {"name":"maxHp","type":"uint256"},
     {"name":"attackDamage","type":"uint256"}]}]},
  {"type":"function","name":"getHolderIndex","stateMutability":"view",
   "inputs":[{"name":"holder","type":"address"}],
   "outputs":[{"name":"index","type":"uint256"},{"name":"found","type":"bool"}]},
  {"type":"function","name":"attackBoss","stateMutability":"nonpayable",
   "inputs":[],"outputs":[]},
  {"type":"event","name":"AttackComplete","anonymous":false,
   "inputs":[
     {"name":"sender","type":"address","indexed":false},
     {"name":"newBossHp","type":"uint256","indexed":false},
     {"name":"newPlayerHp","type":"uint256","indexed":false}]},
  {"type":"event","name":"CharacterNFTMinted","anonymous":false,
   "inputs":[
     {"name":"sender","type":"address","indexed":false},
     {"name":"tokenId","type":"uint256","indexed":false},
     {"name":"characterIndex","type":"uint256","indexed":false}]}
]`

const (
	methodGetEntity      = "getEntity"
	methodGetBigBoss     = "getBigBoss"
	methodGetAllEntities = "getAllEntities"
	methodGetHolderIndex = "getHolderIndex"
	methodAttackBoss     = "attackBoss"
)

// entityTuple mirrors the contract's character struct.
type entityTuple struct {
	Name         string
	ImageURI     string
	Hp           *big.Int
	MaxHp        *big.Int
	AttackDamage *big.Int
}

type attackComplete struct {
	Sender      common.Address
	NewBossHp   *big.Int
	NewPlayerHp *big.Int
}

type characterMinted struct {
	Sender         common.Address
	TokenId        *big.Int
	CharacterIndex *big.Int
}

// ParseABI parses BattleABI.
func ParseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(BattleABI))
}
