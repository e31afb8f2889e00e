package lua

import (
	"strconv"
	"strings"

	"coverls/internal/coverage"
	"coverls/internal/text"

	"github.com/yuin/gopher-lua/ast"
)

// hitFunction is the global every instrumented statement calls before it
// runs.
const hitFunction = "__coverls_hit"

// statement is one instrumented statement of a chunk.
type statement struct {
	location coverage.Location
	kind     string
}

// instrumenter prefixes every statement of a chunk with a call to
// hitFunction carrying the chunk URI and the statement index.
type instrumenter struct {
	uri        string
	index      *text.LineIndex
	statements []statement
}

func instrument(uri, source string, chunk []ast.Stmt) ([]ast.Stmt, []statement) {
	in := &instrumenter{uri: uri, index: text.NewLineIndex(source)}
	return in.block(chunk), in.statements
}

func (in *instrumenter) block(stmts []ast.Stmt) []ast.Stmt {
	out := make([]ast.Stmt, 0, 2*len(stmts))
	for _, stmt := range stmts {
		id := len(in.statements)
		in.statements = append(in.statements, statement{
			location: in.locate(stmt),
			kind:     kindOf(stmt),
		})
		out = append(out, in.hit(stmt, id))
		in.stmt(stmt)
		out = append(out, stmt)
	}
	return out
}

func (in *instrumenter) hit(at ast.Stmt, id int) ast.Stmt {
	call := &ast.FuncCallExpr{
		Func: &ast.IdentExpr{Value: hitFunction},
		Args: []ast.Expr{
			&ast.StringExpr{Value: in.uri},
			&ast.NumberExpr{Value: strconv.Itoa(id)},
		},
	}
	call.SetLine(at.Line())
	call.SetLastLine(at.Line())
	stmt := &ast.FuncCallStmt{Expr: call}
	stmt.SetLine(at.Line())
	stmt.SetLastLine(at.Line())
	return stmt
}

// stmt descends into the blocks and function bodies nested in s.
func (in *instrumenter) stmt(s ast.Stmt) {
	switch st := s.(type) {
	case *ast.AssignStmt:
		in.exprs(st.Lhs)
		in.exprs(st.Rhs)
	case *ast.LocalAssignStmt:
		in.exprs(st.Exprs)
	case *ast.FuncCallStmt:
		in.expr(st.Expr)
	case *ast.DoBlockStmt:
		st.Stmts = in.block(st.Stmts)
	case *ast.WhileStmt:
		in.expr(st.Condition)
		st.Stmts = in.block(st.Stmts)
	case *ast.RepeatStmt:
		st.Stmts = in.block(st.Stmts)
		in.expr(st.Condition)
	case *ast.IfStmt:
		in.expr(st.Condition)
		st.Then = in.block(st.Then)
		st.Else = in.block(st.Else)
	case *ast.NumberForStmt:
		in.expr(st.Init)
		in.expr(st.Limit)
		in.expr(st.Step)
		st.Stmts = in.block(st.Stmts)
	case *ast.GenericForStmt:
		in.exprs(st.Exprs)
		st.Stmts = in.block(st.Stmts)
	case *ast.FuncDefStmt:
		in.expr(st.Func)
	case *ast.ReturnStmt:
		in.exprs(st.Exprs)
	}
}

func (in *instrumenter) exprs(list []ast.Expr) {
	for _, e := range list {
		in.expr(e)
	}
}

// expr looks for function literals, the only expressions holding blocks.
func (in *instrumenter) expr(e ast.Expr) {
	switch ex := e.(type) {
	case nil:
	case *ast.FunctionExpr:
		ex.Stmts = in.block(ex.Stmts)
	case *ast.FuncCallExpr:
		in.expr(ex.Func)
		in.expr(ex.Receiver)
		in.exprs(ex.Args)
	case *ast.AttrGetExpr:
		in.expr(ex.Object)
		in.expr(ex.Key)
	case *ast.TableExpr:
		for _, f := range ex.Fields {
			in.expr(f.Key)
			in.expr(f.Value)
		}
	case *ast.LogicalOpExpr:
		in.expr(ex.Lhs)
		in.expr(ex.Rhs)
	case *ast.RelationalOpExpr:
		in.expr(ex.Lhs)
		in.expr(ex.Rhs)
	case *ast.StringConcatOpExpr:
		in.expr(ex.Lhs)
		in.expr(ex.Rhs)
	case *ast.ArithmeticOpExpr:
		in.expr(ex.Lhs)
		in.expr(ex.Rhs)
	case *ast.UnaryMinusOpExpr:
		in.expr(ex.Expr)
	case *ast.UnaryNotOpExpr:
		in.expr(ex.Expr)
	case *ast.UnaryLenOpExpr:
		in.expr(ex.Expr)
	}
}

// locate spans the statement's lines, from the first non-blank column of
// its first line to the end of its last line.
func (in *instrumenter) locate(s ast.Stmt) coverage.Location {
	first := s.Line() - 1
	last := s.LastLine() - 1
	if last < first {
		last = first
	}
	if first < 0 {
		first, last = 0, 0
	}
	startLine := in.index.LineText(first)
	endLine := in.index.LineText(last)
	return coverage.Location{
		URI:         in.uri,
		StartLine:   first,
		StartColumn: len(startLine) - len(strings.TrimLeft(startLine, " \t")),
		EndLine:     last,
		EndColumn:   len(strings.TrimRight(endLine, " \t\r")),
	}
}

func kindOf(s ast.Stmt) string {
	switch s.(type) {
	case *ast.AssignStmt:
		return "assignment"
	case *ast.LocalAssignStmt:
		return "local"
	case *ast.FuncCallStmt:
		return "call"
	case *ast.DoBlockStmt:
		return "do"
	case *ast.WhileStmt:
		return "while"
	case *ast.RepeatStmt:
		return "repeat"
	case *ast.IfStmt:
		return "if"
	case *ast.NumberForStmt, *ast.GenericForStmt:
		return "for"
	case *ast.FuncDefStmt:
		return "function"
	case *ast.ReturnStmt:
		return "return"
	case *ast.BreakStmt:
		return "break"
	default:
		return "statement"
	}
}
