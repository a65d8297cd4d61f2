package externalkms

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/google/uuid"

	"github.com/keyfort/keyfort/internal"
)

// AWS credential forms. Assume-role exchanges the role for temporary
// credentials before the KMS client is built.
const (
	AWSCredentialAccessKey  = "access-key"
	AWSCredentialAssumeRole = "assume-role"
)

// assumeRoleDuration is the lifetime of the STS session used to talk to KMS.
const assumeRoleDuration = 15 * 60

// managedByTag marks cloud keys that this platform auto-provisioned.
const managedByTag = "keyfort"

type AWSAccessKeyCredential struct {
	AccessKeyID     string `mapstructure:"accessKeyId" validate:"required"`
	SecretAccessKey string `mapstructure:"secretAccessKey" validate:"required"`
}

type AWSAssumeRoleCredential struct {
	AssumeRoleArn string `mapstructure:"assumeRoleArn" validate:"required"`
	ExternalID    string `mapstructure:"externalId"`
}

type AWSInputs struct {
	CredentialType string                   `mapstructure:"credentialType" validate:"required,oneof=access-key assume-role"`
	AccessKey      *AWSAccessKeyCredential  `mapstructure:"accessKey"`
	AssumeRole     *AWSAssumeRoleCredential `mapstructure:"assumeRole"`
	AWSRegion      string                   `mapstructure:"awsRegion" validate:"required"`
	KmsKeyID       string                   `mapstructure:"kmsKeyId"`
}

func (in AWSInputs) validateCredential() error {
	switch in.CredentialType {
	case AWSCredentialAccessKey:
		if in.AccessKey == nil {
			return fmt.Errorf("%w: accessKey credential is required", internal.ErrBadRequest)
		}
		return validate.Struct(in.AccessKey)
	case AWSCredentialAssumeRole:
		if in.AssumeRole == nil {
			return fmt.Errorf("%w: assumeRole credential is required", internal.ErrBadRequest)
		}
		return validate.Struct(in.AssumeRole)
	}
	return nil
}

// AWSProvider talks to AWS KMS through the injected client interface.
type AWSProvider struct {
	kms    kmsiface.KMSAPI
	inputs AWSInputs
	raw    map[string]any
}

var _ Provider = (*AWSProvider)(nil)
var _ KeyProvisioner = (*AWSProvider)(nil)

func newAWSProvider(ctx context.Context, inputs map[string]any) (*AWSProvider, error) {
	var in AWSInputs
	if err := decodeInputs(inputs, &in); err != nil {
		return nil, err
	}
	if err := in.validateCredential(); err != nil {
		return nil, err
	}

	sess, err := awsSession(ctx, in)
	if err != nil {
		return nil, err
	}

	return NewAWSProvider(kms.New(sess), in, inputs), nil
}

// NewAWSProvider wires an already validated input set to a KMS client. Tests
// substitute a fake kmsiface.KMSAPI.
func NewAWSProvider(kmssvc kmsiface.KMSAPI, in AWSInputs, raw map[string]any) *AWSProvider {
	return &AWSProvider{kms: kmssvc, inputs: in, raw: raw}
}

// awsSession builds the session the KMS client runs on. The assume-role form
// exchanges the role for a short-lived credential set first, so the KMS
// client never holds the caller's long-lived credentials.
func awsSession(ctx context.Context, in AWSInputs) (*session.Session, error) {
	config := aws.Config{Region: aws.String(in.AWSRegion)}

	switch in.CredentialType {
	case AWSCredentialAccessKey:
		config.Credentials = credentials.NewStaticCredentials(
			in.AccessKey.AccessKeyID, in.AccessKey.SecretAccessKey, "")

	case AWSCredentialAssumeRole:
		baseSession, err := session.NewSession(&aws.Config{Region: aws.String(in.AWSRegion)})
		if err != nil {
			return nil, fmt.Errorf("aws session: %w", err)
		}

		input := &sts.AssumeRoleInput{
			RoleArn:         aws.String(in.AssumeRole.AssumeRoleArn),
			RoleSessionName: aws.String("keyfort-kms-" + uuid.New().String()),
			DurationSeconds: aws.Int64(assumeRoleDuration),
		}
		if in.AssumeRole.ExternalID != "" {
			input.ExternalId = aws.String(in.AssumeRole.ExternalID)
		}

		out, err := sts.New(baseSession).AssumeRoleWithContext(ctx, input)
		if err != nil {
			return nil, ValidationError{Kind: AWS, Message: "could not assume role", Err: err}
		}

		config.Credentials = credentials.NewStaticCredentials(
			aws.StringValue(out.Credentials.AccessKeyId),
			aws.StringValue(out.Credentials.SecretAccessKey),
			aws.StringValue(out.Credentials.SessionToken))
	}

	sess, err := session.NewSession(&config)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return sess, nil
}

// GenerateInputKmsKey auto-provisions a cloud key when the configuration
// does not name one, and returns the inputs with the key id filled in.
// Idempotent: a configured key id is returned unchanged without any provider
// call.
func (p *AWSProvider) GenerateInputKmsKey(ctx context.Context) (map[string]any, error) {
	if p.inputs.KmsKeyID != "" {
		return p.raw, nil
	}

	out, err := p.kms.CreateKeyWithContext(ctx, &kms.CreateKeyInput{
		Description: aws.String("Data key managed by the secrets platform"),
		Tags: []*kms.Tag{{
			TagKey:   aws.String("managed-by"),
			TagValue: aws.String(managedByTag),
		}},
	})
	if err != nil {
		return nil, ValidationError{Kind: AWS, Message: "could not create key", Err: err}
	}

	p.inputs.KmsKeyID = aws.StringValue(out.KeyMetadata.KeyId)

	augmented := make(map[string]any, len(p.raw)+1)
	for k, v := range p.raw {
		augmented[k] = v
	}
	augmented["kmsKeyId"] = p.inputs.KmsKeyID
	p.raw = augmented
	return augmented, nil
}

// ValidateConnection proves the credentials and key are usable with a cheap
// describe-key call.
func (p *AWSProvider) ValidateConnection(ctx context.Context) error {
	if p.inputs.KmsKeyID == "" {
		return ValidationError{Kind: AWS, Message: "no KMS key is configured"}
	}

	_, err := p.kms.DescribeKeyWithContext(ctx, &kms.DescribeKeyInput{
		KeyId: aws.String(p.inputs.KmsKeyID),
	})
	if err != nil {
		return ValidationError{Kind: AWS, Message: "verify credentials and key access", Err: err}
	}
	return nil
}

func (p *AWSProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	out, err := p.kms.EncryptWithContext(ctx, &kms.EncryptInput{
		KeyId:     aws.String(p.inputs.KmsKeyID),
		Plaintext: data,
	})
	if err != nil {
		return nil, ValidationError{Kind: AWS, Message: "encrypt failed", Err: err}
	}
	return out.CiphertextBlob, nil
}

func (p *AWSProvider) Decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	out, err := p.kms.DecryptWithContext(ctx, &kms.DecryptInput{
		KeyId:          aws.String(p.inputs.KmsKeyID),
		CiphertextBlob: blob,
	})
	if err != nil {
		return nil, ValidationError{Kind: AWS, Message: "decrypt failed", Err: err}
	}
	return out.Plaintext, nil
}

// Cleanup is a no-op; AWS sessions hold no client-side resources that need
// releasing.
func (p *AWSProvider) Cleanup() error {
	return nil
}
