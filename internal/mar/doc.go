// Package mar verifies the RSA signatures embedded in MAR (Mozilla ARchive)
// update packages against a keyring of trusted public keys.
package mar
