package expr

// node is an expression AST node. Each node remembers the slice of the
// original source it covers so evaluation errors can name the offending
// sub-expression.
type node interface {
	span() string
}

type literalNode struct {
	value any
	src   string
}

type varNode struct { // #name
	name string
	src  string
}

type identNode struct { // bare identifier: variable shadow, else root property
	name string
	src  string
}

type fieldNode struct { // target.name / target?.name
	target node
	name   string
	safe   bool
	src    string
}

type indexNode struct { // target[expr]
	target node
	key    node
	src    string
}

type unaryNode struct {
	op      tokenKind // tokBang or tokMinus
	operand node
	src     string
}

type binaryNode struct {
	op          tokenKind
	left, right node
	src         string
}

type ternaryNode struct {
	cond, then, other node
	src               string
}

type methodNode struct { // target.name(args) / target?.name(args)
	target node
	name   string
	args   []node
	safe   bool
	src    string
}

type staticNode struct { // T(fully.qualified.Type).method(args)
	typeName string
	method   string
	args     []node
	src      string
}

func (n *literalNode) span() string { return n.src }
func (n *varNode) span() string     { return n.src }
func (n *identNode) span() string   { return n.src }
func (n *fieldNode) span() string   { return n.src }
func (n *indexNode) span() string   { return n.src }
func (n *unaryNode) span() string   { return n.src }
func (n *binaryNode) span() string  { return n.src }
func (n *ternaryNode) span() string { return n.src }
func (n *methodNode) span() string  { return n.src }
func (n *staticNode) span() string  { return n.src }
