package model

import (
	"fmt"
	"strings"
)

// Program обозначает программу лояльности, в которой хранятся баллы цедента.
type Program string

const (
	ProgramLatam  Program = "LATAM"
	ProgramSmiles Program = "SMILES"
	ProgramLivelo Program = "LIVELO"
	ProgramEsfera Program = "ESFERA"
)

// Programs перечисляет все поддерживаемые программы в фиксированном порядке.
var Programs = []Program{ProgramLatam, ProgramSmiles, ProgramLivelo, ProgramEsfera}

// ParseProgram разбирает название программы без учёта регистра.
func ParseProgram(s string) (Program, error) {
	p := Program(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown program %q", ErrValidation, s)
	}
	return p, nil
}

// Valid сообщает, входит ли программа в фиксированный набор.
func (p Program) Valid() bool {
	switch p {
	case ProgramLatam, ProgramSmiles, ProgramLivelo, ProgramEsfera:
		return true
	}
	return false
}

// PerProgram хранит по одному целому значению на каждую программу: баллы, ставки или дельты.
type PerProgram struct {
	Latam  int64 `json:"LATAM"`
	Smiles int64 `json:"SMILES"`
	Livelo int64 `json:"LIVELO"`
	Esfera int64 `json:"ESFERA"`
}

// Get возвращает значение для программы; для неизвестной программы возвращается ноль.
func (v PerProgram) Get(p Program) int64 {
	switch p {
	case ProgramLatam:
		return v.Latam
	case ProgramSmiles:
		return v.Smiles
	case ProgramLivelo:
		return v.Livelo
	case ProgramEsfera:
		return v.Esfera
	}
	return 0
}

// Set записывает значение для программы.
func (v *PerProgram) Set(p Program, amount int64) {
	switch p {
	case ProgramLatam:
		v.Latam = amount
	case ProgramSmiles:
		v.Smiles = amount
	case ProgramLivelo:
		v.Livelo = amount
	case ProgramEsfera:
		v.Esfera = amount
	}
}

// Add прибавляет delta к значению программы.
func (v *PerProgram) Add(p Program, delta int64) {
	v.Set(p, v.Get(p)+delta)
}
